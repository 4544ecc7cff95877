package model

import "time"

// FingerprintRecord はクライアント側に永続化されるフィンガープリントを表す。
// 初回書き込み優先（first-write-wins）: 一度保存された値が常に優先され、
// 再計算値との差異はドリフトとしてログに記録されるだけで上書きされない。
type FingerprintRecord struct {
	Value       string    `json:"value"`
	GeneratedAt time.Time `json:"generated_at"`
}
