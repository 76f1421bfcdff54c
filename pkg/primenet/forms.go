package primenet

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/primeloop/pkg/worktodo"
)

const formContentType = "application/x-www-form-urlencoded"

// Login authenticates the forms session with the configured credentials.
// The session cookie is kept in the client's cookie jar.
func (c *Client) Login(ctx context.Context) error {
	if c.cfg.Username == "" {
		return fmt.Errorf("%w: username is empty", ErrLoginFailed)
	}
	form := url.Values{
		"user_login":    {c.cfg.Username},
		"user_password": {c.cfg.Password},
	}
	body, err := c.do(ctx, "login", http.MethodPost, c.cfg.BaseURL+"default.php",
		strings.NewReader(form.Encode()), formContentType)
	if err != nil {
		return err
	}
	if !strings.Contains(body, c.cfg.Username+"<br>logged in") {
		return fmt.Errorf("%w for user %s", ErrLoginFailed, c.cfg.Username)
	}
	c.log.Debug("Logged in", zap.String("user", c.cfg.Username))
	return nil
}

// FetchRequest describes a manual assignment request.
type FetchRequest struct {
	Count    int
	WorkType WorkType
	// Cores defaults to 1.
	Cores int
	// ExpLo and ExpHi restrict the exponent range. Zero means unrestricted.
	ExpLo int64
	ExpHi int64
}

// FetchAssignments requests new assignments and returns the work queue
// lines found in the response, in order.
func (c *Client) FetchAssignments(ctx context.Context, req FetchRequest) ([]string, error) {
	if req.Count <= 0 {
		return nil, nil
	}
	cores := req.Cores
	if cores <= 0 {
		cores = 1
	}
	q := url.Values{}
	q.Set("cores", strconv.Itoa(cores))
	q.Set("num_to_get", strconv.Itoa(req.Count))
	q.Set("pref", req.WorkType.String())
	q.Set("exp_lo", rangeBound(req.ExpLo))
	q.Set("exp_hi", rangeBound(req.ExpHi))
	q.Set("B1", "Get Assignments")

	body, err := c.do(ctx, "fetch", http.MethodGet, c.cfg.BaseURL+"manual_assignment/?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	lines := worktodo.ExtractLines(body)
	c.log.Debug("Fetched assignments",
		zap.Int("requested", req.Count),
		zap.Int("received", len(lines)))
	return lines, nil
}

// SubmitLegacy posts a free text result line through the manual results
// form. A reply that neither reports an error nor acknowledges the line is
// treated as a permanent refusal.
func (c *Client) SubmitLegacy(ctx context.Context, line string) error {
	form := url.Values{"data": {line}}
	body, err := c.do(ctx, "submit", http.MethodPost, c.cfg.BaseURL+"manual_result/default.php",
		strings.NewReader(form.Encode()), formContentType)
	if err != nil {
		return err
	}
	switch {
	case strings.Contains(body, "Error"):
		return &RejectedError{Op: "submit", Detail: errorExcerpt(body)}
	case strings.Contains(body, "Accepted"):
		return nil
	default:
		return &RejectedError{Op: "submit", Detail: "unknown response"}
	}
}

// errorExcerpt returns the reply text from "Error" up to the closing div.
func errorExcerpt(body string) string {
	i := strings.Index(body, "Error")
	if i < 0 {
		return ""
	}
	rest := body[i:]
	if j := strings.Index(rest, "</div>"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func rangeBound(v int64) string {
	if v <= 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}
