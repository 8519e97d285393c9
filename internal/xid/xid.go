package xid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// OrderNo returns a human-readable factory order number, e.g. FO-20261018-3FA9C2.
func OrderNo(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("FO-%s-%s", at.UTC().Format("20060102"), suffix)
}

// Barcode returns a random EAN-13 code using the in-store prefix 20-29.
func Barcode() string {
	digits := make([]int, 12)
	digits[0] = 2
	digits[1] = randomDigit()
	for i := 2; i < 12; i++ {
		digits[i] = randomDigit()
	}

	var b strings.Builder
	for _, d := range digits {
		b.WriteByte(byte('0' + d))
	}
	b.WriteByte(byte('0' + EANCheckDigit(digits)))
	return b.String()
}

// EANCheckDigit computes the 13th digit for the given first twelve digits.
func EANCheckDigit(digits []int) int {
	sum := 0
	for i, d := range digits {
		if i%2 == 0 {
			sum += d
		} else {
			sum += d * 3
		}
	}
	return (10 - sum%10) % 10
}

func randomDigit() int {
	n, err := rand.Int(rand.Reader, big.NewInt(10))
	if err != nil {
		return int(time.Now().UnixNano() % 10)
	}
	return int(n.Int64())
}
