package primenet

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// EndMarker terminates a keyed API response body.
const EndMarker = "==END=="

// Response holds the key=value fields of a keyed API reply.
type Response map[string]string

// ParseResponse reads key=value lines up to the EndMarker line. Keys repeat
// rarely; the last value wins.
func ParseResponse(body string) (Response, error) {
	resp := Response{}
	sawEnd := false
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == EndMarker {
			sawEnd = true
			break
		}
		key, value, _ := strings.Cut(line, "=")
		if key == "" {
			continue
		}
		resp[key] = value
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if _, ok := resp["pnErrorResult"]; !ok {
		if !sawEnd {
			return nil, fmt.Errorf("%w: missing pnErrorResult and %s", ErrMalformedResponse, EndMarker)
		}
		return nil, fmt.Errorf("%w: missing pnErrorResult", ErrMalformedResponse)
	}
	return resp, nil
}

// ErrorCode returns the pnErrorResult field.
func (r Response) ErrorCode() (ErrorCode, error) {
	raw := strings.TrimSpace(r["pnErrorResult"])
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: pnErrorResult %q", ErrMalformedResponse, raw)
	}
	return ErrorCode(n), nil
}

// Detail returns the human readable pnErrorDetail field.
func (r Response) Detail() string {
	return strings.TrimSpace(r["pnErrorDetail"])
}
