package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suizapt/zksync-era/internal/prover"
)

// HTTPGateway は証明ゲートウェイの HTTP 実装です。
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway は HTTPGateway を作成します。client が nil の場合は
// タイムアウト付きの既定クライアントを使います。
func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type submitRequest struct {
	BatchNumber      uint32 `json:"batchNumber"`
	CircuitID        uint8  `json:"circuitId"`
	SequenceNumber   int    `json:"sequenceNumber"`
	Depth            uint16 `json:"depth"`
	AggregationRound string `json:"aggregationRound"`
	Circuit          []byte `json:"circuit"`
}

// SubmitFinalProof は終端回路をゲートウェイへ送ります。
func (g *HTTPGateway) SubmitFinalProof(ctx context.Context, key prover.CircuitKey, circuit []byte) error {
	body, err := json.Marshal(submitRequest{
		BatchNumber:      uint32(key.BlockNumber),
		CircuitID:        key.CircuitID,
		SequenceNumber:   key.SequenceNumber,
		Depth:            key.Depth,
		AggregationRound: key.Round.String(),
		Circuit:          circuit,
	})
	if err != nil {
		return err
	}

	url := g.baseURL + "/prover/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
