// Package fingerprint はデバイスフィンガープリントの生成と永続化を提供する。
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// フィンガープリントは64桁小文字hex（SHA-256）。
var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// IsValid は値がフィンガープリントとして妥当な形式かを返す。
func IsValid(value string) bool {
	return fingerprintPattern.MatchString(value)
}

// Signals はフィンガープリントの導出元となるデバイス信号。
// HardwareIDが取得できる場合はそれのみから導出する。OSの再インストールでも
// 変わらない識別子を優先することで、同一物理デバイスの試用継続性を高める。
type Signals struct {
	HardwareID   string // プラットフォーム固有のハードウェアUUID
	MachineID    string // OSインストールごとのマシンID
	Hostname     string
	OS           string
	Arch         string
	MACAddresses []string
}

// Compute は信号から決定的にフィンガープリントを導出する。
// 同一の信号は常に同一の値になる。導出可能な信号がない場合はエラーを返す。
func Compute(s Signals) (string, error) {
	var material string
	switch {
	case s.HardwareID != "":
		material = "hw:" + s.HardwareID
	case s.MachineID != "":
		material = "machine:" + s.MachineID
	default:
		// 弱い信号の組み合わせに縮退する。個々は不安定でも
		// 組み合わせれば実用上のデバイス識別には足りる。
		parts := []string{s.Hostname, s.OS, s.Arch}
		parts = append(parts, s.MACAddresses...)
		combined := strings.TrimLeft(strings.Join(parts, "|"), "|")
		if strings.Trim(combined, "|") == "" {
			return "", fmt.Errorf("no device signals available")
		}
		material = "combined:" + combined
	}

	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}
