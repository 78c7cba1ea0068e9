package groupsession

import (
	"crypto/rand"
	"fmt"
)

// joinCodeAlphabet は読み間違えやすい文字（I, O, 0, 1）を除いた32文字。
// 256は32で割り切れるため、バイト値の剰余で偏りなく選べる。
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// JoinCodeLength は参加コードの文字数。
const JoinCodeLength = 6

// maxJoinCodeAttempts は参加コード衝突時の再試行回数の上限。
const maxJoinCodeAttempts = 5

// GenerateJoinCode は暗号論的乱数から参加コードを生成する。
func GenerateJoinCode() (string, error) {
	buf := make([]byte, JoinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	code := make([]byte, JoinCodeLength)
	for i, b := range buf {
		code[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(code), nil
}

// normalizeJoinCode は入力された参加コードを照合用に正規化する。
func normalizeJoinCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c == ' ' || c == '-' || c == '\t':
			// 表示用の区切りは無視する
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
