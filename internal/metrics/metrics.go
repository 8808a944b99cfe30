// Package metrics はウィットネス生成の所要時間メトリクスを公開します。
// 値は expvar 経由で /debug/vars に載るため、追加の依存なしに外から
// 観測できます。
package metrics

import (
	"expvar"
	"strings"
	"sync"
	"time"
)

var (
	blobFetchLatency  = expvar.NewMap("witness_blob_fetch_ms")
	blobFetchCount    = expvar.NewMap("witness_blob_fetch_count")
	prepareJobLatency = expvar.NewMap("witness_prepare_job_ms")
	prepareJobCount   = expvar.NewMap("witness_prepare_job_count")
	synthesisLatency  = expvar.NewMap("witness_synthesis_ms")
	synthesisCount    = expvar.NewMap("witness_synthesis_count")
	blobSaveLatency   = expvar.NewMap("witness_blob_save_ms")
	blobSaveCount     = expvar.NewMap("witness_blob_save_count")
	mapMu             sync.Mutex
)

// ObserveBlobFetch は依存ブロブの取得一式にかかった時間を記録します。
func ObserveBlobFetch(round string, duration time.Duration) {
	observe(blobFetchLatency, blobFetchCount, round, duration)
}

// ObservePrepareJob はジョブ準備（取得から組み立てまで）の時間を記録します。
func ObservePrepareJob(round string, duration time.Duration) {
	observe(prepareJobLatency, prepareJobCount, round, duration)
}

// ObserveSynthesis は回路合成にかかった時間を記録します。
func ObserveSynthesis(round string, duration time.Duration) {
	observe(synthesisLatency, synthesisCount, round, duration)
}

// ObserveBlobSave は成果物の保存にかかった時間を記録します。
func ObserveBlobSave(round string, duration time.Duration) {
	observe(blobSaveLatency, blobSaveCount, round, duration)
}

func observe(latency, count *expvar.Map, round string, duration time.Duration) {
	key := normalize(round)
	addInt(latency, key, duration.Milliseconds())
	addInt(count, key, 1)
}

func normalize(round string) string {
	if strings.TrimSpace(round) == "" {
		return "unknown"
	}
	return round
}

func addInt(m *expvar.Map, key string, delta int64) {
	mapMu.Lock()
	defer mapMu.Unlock()
	if v := m.Get(key); v != nil {
		if iv, ok := v.(*expvar.Int); ok {
			iv.Add(delta)
			return
		}
	}
	iv := new(expvar.Int)
	iv.Set(delta)
	m.Set(key, iv)
}
