package evaluator

import (
	"context"
	"fmt"
	"math/bits"
	"math/rand"
	"net/netip"
	"strconv"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
)

const randomStringChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// IpAllocator reserves address ranges. Calling it again for the same
// subscription and config must return the same range.
type IpAllocator interface {
	AssignIpRange(ctx context.Context, offerName string, subscriptionID uuid.UUID, ipConfigName string) (string, error)
}

func (e *Evaluator) functions(ctx context.Context) []expr.Option {
	return []expr.Option{
		expr.Function("GetIpRange", func(params ...any) (any, error) {
			subscriptionID, err := uuid.Parse(FormatValue(params[1]))
			if err != nil {
				return nil, fmt.Errorf("GetIpRange: invalid subscription id %v: %w", params[1], err)
			}
			return e.ips.AssignIpRange(ctx, FormatValue(params[0]), subscriptionID, FormatValue(params[2]))
		}, new(func(any, any, string) string)),

		expr.Function("GetSubIpRange", func(params ...any) (any, error) {
			start, err := toInt(params[1])
			if err != nil {
				return nil, fmt.Errorf("GetSubIpRange: start: %w", err)
			}
			length, err := toInt(params[2])
			if err != nil {
				return nil, fmt.Errorf("GetSubIpRange: length: %w", err)
			}
			return GetSubIpRange(FormatValue(params[0]), start, length)
		}, new(func(any, any, any) string)),

		expr.Function("GetRandomString", func(params ...any) (any, error) {
			length, err := toInt(params[0])
			if err != nil {
				return nil, fmt.Errorf("GetRandomString: %w", err)
			}
			return e.randomString(length), nil
		}, new(func(any) string)),
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, fmt.Errorf("%v is not an integer", t)
		}
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("%v is not an integer", v)
	}
}

func randomString(length int) string {
	if length < 0 {
		length = 0
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = randomStringChars[rand.Intn(len(randomStringChars))]
	}
	return string(b)
}

// GetSubIpRange returns the range of length addresses that starts start
// addresses into ipRange, e.g. ("10.0.0.0/24", 16, 16) is "10.0.0.16/28".
func GetSubIpRange(ipRange string, start, length int) (string, error) {
	if length <= 0 || length&(length-1) != 0 {
		return "", fmt.Errorf("the length of subrange must be power of 2")
	}
	if start < 0 {
		return "", fmt.Errorf("the start of subrange must not be negative")
	}
	prefix, err := netip.ParsePrefix(ipRange)
	if err != nil {
		return "", fmt.Errorf("invalid ip range %s: %w", ipRange, err)
	}
	if !prefix.Addr().Is4() {
		return "", fmt.Errorf("ip range %s is not ipv4", ipRange)
	}

	size := uint64(1) << (32 - prefix.Bits())
	if size < uint64(start)+uint64(length) {
		return "", fmt.Errorf("the specified ipRange has %d ip addresses. The sub-range %d to %d is out of range", size, start, start+length)
	}

	a := prefix.Addr().As4()
	v := (uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])) + uint32(start)
	addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
	return fmt.Sprintf("%s/%d", addr, 32-(bits.Len(uint(length))-1)), nil
}
