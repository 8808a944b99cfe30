// Package ops はパイプラインの運用 API（バッチ受け付け・状態照会・
// 成果物取得・再投入）の gin ハンドラーを提供します。
package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/suizapt/zksync-era/internal/auth"
	"github.com/suizapt/zksync-era/internal/ledger"
	"github.com/suizapt/zksync-era/internal/objectstore"
	"github.com/suizapt/zksync-era/internal/prover"
	"github.com/suizapt/zksync-era/internal/registry"
)

// InstanceLister は稼働中のエンジンインスタンス一覧を提供します。
type InstanceLister interface {
	Instances(ctx context.Context) ([]registry.Instance, error)
}

// IntakeHandler は POST /api/batches/:number のハンドラーを返します。
// 部分ウィットネスと依存証明の一式を multipart で受け取り、ブロブを
// 保存した上で台帳へバッチを登録します。proofs[] の並び順がそのまま
// 最終段の合成順になります。
func IntakeHandler(led *ledger.Ledger, store objectstore.Store, maxUpload int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := parseBatchNumber(c)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if maxUpload > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload)
		}

		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondWithError(c, newError("PAYLOAD_TOO_LARGE", "アップロードサイズが上限を超えています。"))
				return
			}
			respondWithError(c, newError("INVALID_INPUT", "multipart/form-data で witness と proofs[] を送信してください。"))
			return
		}
		defer form.RemoveAll()

		witnessFile, err := extractWitnessFile(form)
		if err != nil {
			respondWithError(c, newError("INVALID_INPUT", err.Error()))
			return
		}

		witnessRaw, err := readFormFile(witnessFile)
		if err != nil {
			respondWithError(c, fmt.Errorf("read witness part: %w", err))
			return
		}
		input, err := prover.DecodeSchedulerPartialInput(witnessRaw)
		if err != nil {
			respondWithError(c, newError("INVALID_INPUT", "部分ウィットネスを解釈できませんでした。"))
			return
		}
		if input.BlockNumber != batch {
			respondWithError(c, newError("INVALID_INPUT", "部分ウィットネスのバッチ番号が URL と一致しません。"))
			return
		}

		proofFiles := form.File["proofs[]"]
		if len(proofFiles) == 0 {
			proofFiles = form.File["proofs"]
		}
		wrappers := make([]prover.ProofWrapper, len(proofFiles))
		for i, fh := range proofFiles {
			raw, err := readFormFile(fh)
			if err != nil {
				respondWithError(c, fmt.Errorf("read proof part %d: %w", i, err))
				return
			}
			wrapper, err := prover.DecodeProofWrapper(raw)
			if err != nil {
				respondWithError(c, newError("INVALID_INPUT",
					fmt.Sprintf("proofs[%d] を証明として解釈できませんでした。", i)))
				return
			}
			wrappers[i] = wrapper
		}

		ctx := c.Request.Context()

		encodedInput, err := prover.EncodeSchedulerPartialInput(input)
		if err != nil {
			respondWithError(c, fmt.Errorf("encode witness input: %w", err))
			return
		}
		inputURL, err := store.Put(ctx, prover.WitnessInputKey(batch), encodedInput)
		if err != nil {
			respondWithError(c, fmt.Errorf("store witness input: %w", err))
			return
		}

		seeds := make([]ledger.ProofSeed, len(wrappers))
		for i, wrapper := range wrappers {
			seeds[i] = ledger.ProofSeed{
				CircuitID:      wrapper.Proof.CircuitID,
				SequenceNumber: i,
				Depth:          0,
				Round:          prover.RoundNode,
			}
		}

		ids, err := led.RegisterBatch(ctx, batch, inputURL, seeds)
		if err != nil {
			respondWithError(c, err)
			return
		}

		// 証明ブロブの保存と完了記録はバッチ登録後に一件ずつ行う。
		// 途中で失敗してもバッチは queued のまま残り、依存が全て
		// successful になるまでエンジンには見えない。
		for i, wrapper := range wrappers {
			encoded, err := prover.EncodeProofWrapper(wrapper)
			if err != nil {
				respondWithError(c, fmt.Errorf("encode proof %d: %w", i, err))
				return
			}
			blobURL, err := store.Put(ctx, prover.ProofKey(ids[i]), encoded)
			if err != nil {
				respondWithError(c, fmt.Errorf("store proof %d: %w", i, err))
				return
			}
			if err := led.CompleteProofJob(ctx, ids[i], blobURL); err != nil {
				respondWithError(c, err)
				return
			}
		}

		c.JSON(http.StatusCreated, gin.H{
			"batchNumber":  batch,
			"inputBlobUrl": inputURL,
			"proofJobIds":  ids,
		})
	}
}

// BatchStatusHandler は GET /api/batches/:number のハンドラーを返します。
func BatchStatusHandler(led *ledger.Ledger) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := parseBatchNumber(c)
		if err != nil {
			respondWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		job, err := led.GetSchedulerJob(ctx, batch)
		if err != nil {
			respondWithError(c, err)
			return
		}
		proofs, err := led.ProofJobsForBatch(ctx, batch)
		if err != nil {
			respondWithError(c, err)
			return
		}

		payload := gin.H{
			"batchNumber":  job.BatchNumber,
			"status":       job.Status,
			"attempts":     job.Attempts,
			"inputBlobUrl": job.InputBlobURL,
			"createdAt":    job.CreatedAt,
			"updatedAt":    job.UpdatedAt,
		}
		if job.PickedBy != "" {
			payload["pickedBy"] = job.PickedBy
		}
		if job.TimeTakenMS > 0 {
			payload["timeTakenMs"] = job.TimeTakenMS
		}
		if job.Error != "" {
			payload["error"] = job.Error
		}

		proofViews := make([]gin.H, 0, len(proofs))
		for _, p := range proofs {
			view := gin.H{
				"id":        p.ID,
				"circuitId": p.CircuitID,
				"round":     p.RoundName,
				"status":    p.Status,
			}
			if p.ProofBlobURL != "" {
				view["blobUrl"] = p.ProofBlobURL
			}
			proofViews = append(proofViews, view)
		}
		payload["proofs"] = proofViews

		submission, err := led.GetSubmissionJob(ctx, batch)
		switch {
		case err == nil:
			view := gin.H{
				"status":  submission.Status,
				"blobUrl": submission.CircuitBlobURL,
			}
			if submission.SubmittedAt != nil {
				view["submittedAt"] = submission.SubmittedAt
			}
			if submission.Error != "" {
				view["error"] = submission.Error
			}
			payload["submission"] = view
		case errors.Is(err, ledger.ErrNotFound):
			// 成果物が未生成なら提出ジョブはまだ無い
		default:
			respondWithError(c, err)
			return
		}

		c.JSON(http.StatusOK, payload)
	}
}

// ArtifactHandler は GET /api/batches/:number/artifact のハンドラーを返します。
// 最終段の成果物ブロブをそのままダウンロードさせます。
func ArtifactHandler(led *ledger.Ledger, store objectstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		batch, err := parseBatchNumber(c)
		if err != nil {
			respondWithError(c, err)
			return
		}

		ctx := c.Request.Context()
		job, err := led.GetSchedulerJob(ctx, batch)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if job.Status != prover.StatusSuccessful {
			respondWithError(c, newError("ARTIFACT_NOT_READY", "バッチの成果物はまだ生成されていません。"))
			return
		}

		key := prover.SchedulerCircuitKey(batch)
		data, err := store.Get(ctx, key)
		if err != nil {
			respondWithError(c, err)
			return
		}

		contentType := mimetype.Detect(data).String()
		filename := key.ObjectName()
		encodedName := url.PathEscape(filename)
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", filename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Batch-Number", strconv.FormatUint(uint64(batch), 10))
		c.Data(http.StatusOK, contentType, data)
	}
}

// RequeueHandler は POST /api/batches/:number/requeue のハンドラーを返します。
// failed のジョブを明示的に queued へ戻します。再試行はこの操作以外では
// 起きないため、誰が戻したかをログに残します。
func RequeueHandler(led *ledger.Ledger, logger *log.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = log.Default()
	}
	return func(c *gin.Context) {
		batch, err := parseBatchNumber(c)
		if err != nil {
			respondWithError(c, err)
			return
		}

		if err := led.RequeueSchedulerJob(c.Request.Context(), batch); err != nil {
			respondWithError(c, err)
			return
		}

		operator := c.GetString(auth.ContextUserKey)
		if operator == "" {
			operator = "unknown"
		}
		logger.Printf("batch %d requeued by %s", batch, operator)
		c.Status(http.StatusNoContent)
	}
}

// InstancesHandler は GET /api/instances のハンドラーを返します。
func InstancesHandler(lister InstanceLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		instances, err := lister.Instances(c.Request.Context())
		if err != nil {
			respondWithError(c, fmt.Errorf("list instances: %w", err))
			return
		}
		if instances == nil {
			instances = []registry.Instance{}
		}
		c.JSON(http.StatusOK, gin.H{"instances": instances})
	}
}

func parseBatchNumber(c *gin.Context) (prover.BatchNumber, error) {
	raw := c.Param("number")
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, newError("INVALID_INPUT", "バッチ番号は 32bit の非負整数で指定してください。")
	}
	return prover.BatchNumber(value), nil
}

func extractWitnessFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("witness パートが見つかりません。")
	}
	if files := form.File["witness"]; len(files) > 0 {
		return files[0], nil
	}
	if files := form.File["witness[]"]; len(files) > 0 {
		return files[0], nil
	}
	return nil, errors.New("witness パートが見つかりません。")
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := http.StatusBadRequest
		switch apiErr.Code {
		case "ARTIFACT_NOT_READY":
			status = http.StatusConflict
		case "PAYLOAD_TOO_LARGE":
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, ledger.ErrBatchExists):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "BATCH_EXISTS",
			"message": "同じバッチ番号が既に登録されています。",
		})
	case errors.Is(err, ledger.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "INVALID_STATE",
			"message": "ジョブの状態がこの操作を許しません。",
		})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "BATCH_NOT_FOUND",
			"message": "指定されたバッチは存在しません。",
		})
	case errors.Is(err, objectstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "ARTIFACT_NOT_FOUND",
			"message": "成果物が見つかりませんでした。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
