package governor

import (
	"regexp"
	"strconv"
	"time"

	"github.com/tidewater/conduit/errs"
)

// rawCodeBanned is the upstream error code attached to IP-ban responses.
const rawCodeBanned = "-1003"

var (
	bannedUntilPattern = regexp.MustCompile(`banned until (\d+)`)
	bannedIPPattern    = regexp.MustCompile(`IP\(([^)]+)\)`)
)

// BanNotice captures the details parsed from an upstream ban payload.
type BanNotice struct {
	Until time.Time
	IP    string
}

// ParseBanNotice inspects an upstream error envelope and extracts ban details.
// It matches the -1003 raw code together with the "banned until <millis>"
// message shape; HTTP 418 with the same message is treated identically. The
// second return reports whether the error describes a ban at all.
func ParseBanNotice(err error) (BanNotice, bool) {
	envelope, ok := errs.AsE(err)
	if !ok {
		return BanNotice{}, false
	}
	if envelope.RawCode != rawCodeBanned && envelope.HTTP != 418 {
		return BanNotice{}, false
	}
	match := bannedUntilPattern.FindStringSubmatch(envelope.RawMsg)
	if match == nil {
		return BanNotice{}, false
	}
	millis, convErr := strconv.ParseInt(match[1], 10, 64)
	if convErr != nil {
		return BanNotice{}, false
	}
	notice := BanNotice{Until: time.UnixMilli(millis)}
	if ipMatch := bannedIPPattern.FindStringSubmatch(envelope.RawMsg); ipMatch != nil {
		notice.IP = ipMatch[1]
	}
	return notice, true
}

// IsRateLimitPayload reports whether the envelope indicates plain rate
// limiting without an explicit ban timestamp.
func IsRateLimitPayload(err error) bool {
	envelope, ok := errs.AsE(err)
	if !ok {
		return false
	}
	if envelope.HTTP == 429 {
		return true
	}
	return envelope.RawCode == rawCodeBanned
}
