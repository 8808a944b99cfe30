package prover

// JobStatus は台帳に記録されるジョブの状態です。
//
// ウィットネスジョブと証明ジョブは
// queued → picked → processing → successful / failed と遷移します。
// 提出ジョブだけは queued → submitted / failed を使います。
// failed からの復帰は自動では起きず、明示的な再投入操作でのみ
// queued に戻ります。
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusPicked     JobStatus = "picked"
	StatusProcessing JobStatus = "processing"
	StatusSuccessful JobStatus = "successful"
	StatusFailed     JobStatus = "failed"
	StatusSubmitted  JobStatus = "submitted"
)

// Terminal は状態が終端（これ以上エンジンが触らない）かどうかを返します。
func (s JobStatus) Terminal() bool {
	return s == StatusSuccessful || s == StatusFailed || s == StatusSubmitted
}
