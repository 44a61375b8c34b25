package requestid

import (
	crand "crypto/rand"
	"math/big"
	"strings"
	"time"
)

const HeaderKey = "X-Request-Id"

// Gen returns yyyymmddHHMMSSuuuuuu followed by 8 random digits.
func Gen() string {
	return timeString(time.Now()) + randomDigits(8)
}

// FromHeader keeps a caller-supplied id when it is short and printable,
// otherwise generates a new one.
func FromHeader(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || len(v) > 128 {
		return Gen()
	}
	for _, r := range v {
		if r < 0x21 || r > 0x7e {
			return Gen()
		}
	}
	return v
}

func timeString(t time.Time) string {
	return strings.ReplaceAll(t.Format("20060102150405.000000"), ".", "")
}

func randomDigits(n int) string {
	const digits = "0123456789"
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(digits[cryptoRandIntn(len(digits))])
	}
	return b.String()
}

func cryptoRandIntn(max int) int {
	if max <= 0 {
		return 0
	}
	nBig, err := crand.Int(crand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return int(nBig.Int64())
}
