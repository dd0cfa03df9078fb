package sandbox

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/jkaninda/polybox/internal/sandboxerr"
)

// shellQuote wraps s in POSIX single quotes. Inside single quotes nothing is
// special except the quote itself, which is closed, escaped and reopened.
// Every caller-supplied value reaches a shell through this function.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// quotePath quotes a path and keeps it from being parsed as an option by the
// utility that receives it.
func quotePath(p string) string {
	if strings.HasPrefix(p, "-") {
		p = "./" + p
	}
	return shellQuote(p)
}

var (
	modePattern  = regexp.MustCompile(`^[0-7]{3,4}$`)
	ownerPattern = regexp.MustCompile(`^[A-Za-z0-9._][A-Za-z0-9._-]*$`)
)

func validatePath(p string) error {
	if p == "" {
		return sandboxerr.InvalidArgument("path must not be empty")
	}
	if strings.ContainsRune(p, 0) {
		return sandboxerr.InvalidArgument("path %q contains a NUL byte", p)
	}
	return nil
}

func validateMode(mode string) error {
	if mode != "" && !modePattern.MatchString(mode) {
		return sandboxerr.InvalidArgument("invalid mode %q: want 3 or 4 octal digits", mode)
	}
	return nil
}

func validateOwner(kind, name string) error {
	if name != "" && !ownerPattern.MatchString(name) {
		return sandboxerr.InvalidArgument("invalid %s %q", kind, name)
	}
	return nil
}

// ByteRange is a half-open byte window [Start, End). End is nil for an
// open-ended range.
type ByteRange struct {
	Start int64
	End   *int64
}

// ParseRange parses "start-end" (end exclusive, start < end) or "start-". An empty string
// yields nil, meaning the whole file.
func ParseRange(s string) (*ByteRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	startText, endText, ok := strings.Cut(s, "-")
	if !ok {
		return nil, sandboxerr.InvalidArgument("invalid range %q: want start-end or start-", s)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(startText), 10, 64)
	if err != nil || start < 0 {
		return nil, sandboxerr.InvalidArgument("invalid range start in %q", s)
	}
	r := &ByteRange{Start: start}
	if endText = strings.TrimSpace(endText); endText != "" {
		end, err := strconv.ParseInt(endText, 10, 64)
		if err != nil || end <= start {
			return nil, sandboxerr.InvalidArgument("invalid range end in %q", s)
		}
		r.End = &end
	}
	return r, nil
}

// Length returns the number of bytes the range covers in a file of the given
// size.
func (r *ByteRange) Length(size int64) int64 {
	if r == nil {
		return size
	}
	if r.Start >= size {
		return 0
	}
	end := size
	if r.End != nil && *r.End < end {
		end = *r.End
	}
	return end - r.Start
}

func (r *ByteRange) String() string {
	if r == nil {
		return ""
	}
	if r.End == nil {
		return strconv.FormatInt(r.Start, 10) + "-"
	}
	return strconv.FormatInt(r.Start, 10) + "-" + strconv.FormatInt(*r.End, 10)
}
