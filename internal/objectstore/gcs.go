package objectstore

// TODO: GCS（Google Cloud Storage）実装
//
// 本番環境ではローカルファイルシステムの代わりに GCS へ保存します。
// - 保存先: gs://<bucket>/<object>
// - 認証: Workload Identity
// - 整合性検証はファイル実装と同じヘッダ形式を流用する
