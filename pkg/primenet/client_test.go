package primenet

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAID = "51D7100698D8B18893B7BE2AB5FDCEBC"

// fakeV5 is a scripted keyed API server. Replies for each command are
// popped from a queue; an empty queue replies with the sticky code.
type fakeV5 struct {
	t *testing.T

	mu      sync.Mutex
	script  map[string][]ErrorCode
	sticky  map[string]ErrorCode
	status  int
	calls   []url.Values
	badSigs int
}

func newFakeV5(t *testing.T) (*fakeV5, *httptest.Server) {
	f := &fakeV5{
		t:      t,
		script: map[string][]ErrorCode{},
		sticky: map[string]ErrorCode{},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeV5) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	raw := r.URL.RawQuery
	q, err := url.ParseQuery(raw)
	assert.NoError(f.t, err)
	f.calls = append(f.calls, q)

	if !validSignature(raw, q.Get("g")) {
		f.badSigs++
	}
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	cmd := q.Get("t")
	code := f.sticky[cmd]
	if queue := f.script[cmd]; len(queue) > 0 {
		code, f.script[cmd] = queue[0], queue[1:]
	}
	_, _ = fmt.Fprintf(w, "pnErrorResult=%d\npnErrorDetail=%s\n==END==\n", int(code), code)
}

func (f *fakeV5) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, q := range f.calls {
		out = append(out, q.Get("t"))
	}
	return out
}

func (f *fakeV5) call(i int) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func validSignature(raw, guid string) bool {
	i := strings.LastIndex(raw, "&sh=")
	if i < 0 {
		return false
	}
	sum := md5.Sum([]byte(raw[:i+1] + ClientKey(guid)))
	return raw[i+len("&sh="):] == strings.ToUpper(hex.EncodeToString(sum[:]))
}

func testHardware() Hardware {
	return Hardware{
		Username:  "tester",
		Hostname:  "worker-01-with-a-very-long-name",
		CPUModel:  "Generic x86_64 CPU @ 3.0GHz",
		Features:  "avx2",
		Frequency: 3000,
		Memory:    8192,
		L1:        32,
		L2:        1024,
		NumCores:  4,
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, identity IdentityStore) *Client {
	c, err := New(Config{
		APIURL:     srv.URL + "/v5server/",
		BaseURL:    srv.URL,
		Identity:   identity,
		Hardware:   testHardware(),
		Username:   "tester",
		Password:   "secret",
		RetryDelay: time.Millisecond,
		Salt:       func() uint16 { return 40830 },
	})
	require.NoError(t, err)
	return c
}

func TestReportProgress_Success(t *testing.T) {
	f, srv := newFakeV5(t)
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	eta := 1268735 * time.Second
	err := c.ReportProgress(context.Background(), ProgressReport{
		AssignmentID: testAID,
		Percent:      83.04917,
		Iteration:    85000000,
		ETA:          &eta,
	})
	require.NoError(t, err)

	require.Equal(t, []string{"ap"}, f.commands())
	q := f.call(0)
	assert.Equal(t, "0.95", q.Get("v"))
	assert.Equal(t, "GIMPS", q.Get("px"))
	assert.Equal(t, goldenGUID, q.Get("g"))
	assert.Equal(t, testAID, q.Get("k"))
	assert.Equal(t, "83.0492", q.Get("p"))
	assert.Equal(t, "86400", q.Get("d"))
	assert.Equal(t, "1268735", q.Get("e"))
	assert.Equal(t, "LL", q.Get("stage"))
	assert.Equal(t, "40830", q.Get("ss"))
	assert.Zero(t, f.badSigs)
}

func TestReportProgress_UnknownETAAndPRP(t *testing.T) {
	f, srv := newFakeV5(t)
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	err := c.ReportProgress(context.Background(), ProgressReport{
		AssignmentID: testAID,
		PRP:          true,
		CheckIn:      6 * time.Hour,
	})
	require.NoError(t, err)

	q := f.call(0)
	assert.Equal(t, "604800", q.Get("e"))
	assert.Equal(t, "21600", q.Get("d"))
	assert.False(t, q.Has("stage"))
}

func TestReportProgress_StaleIdentityReregisters(t *testing.T) {
	f, srv := newFakeV5(t)
	f.script["ap"] = []ErrorCode{ErrorStaleCPUInfo, ErrorNone}
	id := NewMemoryIdentity(goldenGUID)
	c := newTestClient(t, srv, id)

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID, Percent: 10})
	require.NoError(t, err)

	assert.Equal(t, []string{"ap", "uc", "ap"}, f.commands())
	assert.Equal(t, goldenGUID, f.call(1).Get("g"))
	assert.Equal(t, goldenGUID, f.call(2).Get("g"))
	assert.Equal(t, goldenGUID, id.GUID())
	assert.Zero(t, f.badSigs)
}

func TestReportProgress_UnregisteredMintsIdentity(t *testing.T) {
	f, srv := newFakeV5(t)
	f.script["ap"] = []ErrorCode{ErrorUnregisteredCPU, ErrorNone}
	id := NewMemoryIdentity(goldenGUID)
	c := newTestClient(t, srv, id)

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID, Percent: 10})
	require.NoError(t, err)

	require.Equal(t, []string{"ap", "uc", "ap"}, f.commands())
	newGUID := f.call(1).Get("g")
	assert.NotEqual(t, goldenGUID, newGUID)
	assert.True(t, IsGUID(newGUID))
	assert.Equal(t, newGUID, f.call(2).Get("g"))
	assert.Equal(t, newGUID, id.GUID())
	assert.Zero(t, f.badSigs)
}

func TestReportProgress_RecoversOnlyOnce(t *testing.T) {
	f, srv := newFakeV5(t)
	f.sticky["ap"] = ErrorStaleCPUInfo
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID})
	require.Error(t, err)

	assert.Equal(t, []string{"ap", "uc", "ap"}, f.commands())
	assert.True(t, IsPermanent(err))
}

func TestReportProgress_FailedRecoveryKeepsIdentity(t *testing.T) {
	f, srv := newFakeV5(t)
	f.script["ap"] = []ErrorCode{ErrorUnregisteredCPU}
	f.script["uc"] = []ErrorCode{ErrorInvalidUser}
	id := NewMemoryIdentity(goldenGUID)
	c := newTestClient(t, srv, id)

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID})
	require.Error(t, err)

	assert.Equal(t, []string{"ap", "uc"}, f.commands())
	assert.Equal(t, goldenGUID, id.GUID())
	assert.True(t, IsPermanent(err))
}

func TestReportProgress_BusyIsBoundedAndTransient(t *testing.T) {
	f, srv := newFakeV5(t)
	f.sticky["ap"] = ErrorServerBusy
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID})
	require.Error(t, err)

	assert.Len(t, f.commands(), 5)
	assert.True(t, IsTransport(err))
}

func TestReportProgress_BusyThenSuccess(t *testing.T) {
	f, srv := newFakeV5(t)
	f.script["ap"] = []ErrorCode{ErrorServerBusy, ErrorServerBusy, ErrorNone}
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	require.NoError(t, c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID}))
	assert.Len(t, f.commands(), 3)
}

func TestReportProgress_PermanentIsNotRetried(t *testing.T) {
	f, srv := newFakeV5(t)
	f.sticky["ap"] = ErrorInvalidAssignmentKey
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID})
	require.Error(t, err)

	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, ErrorInvalidAssignmentKey, serr.Code)
	assert.Len(t, f.commands(), 1)
	assert.True(t, IsPermanent(err))
}

func TestReportProgress_HTTPFailureIsTransport(t *testing.T) {
	f, srv := newFakeV5(t)
	f.status = http.StatusBadGateway
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID})
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.NotContains(t, te.Error(), "sh=")
	assert.Len(t, f.commands(), 5)
}

func TestReportProgress_NotRegistered(t *testing.T) {
	f, srv := newFakeV5(t)
	c := newTestClient(t, srv, NewMemoryIdentity(""))

	err := c.ReportProgress(context.Background(), ProgressReport{AssignmentID: testAID})
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, f.commands())
}

func TestRegister_MintsAndPersistsGUID(t *testing.T) {
	f, srv := newFakeV5(t)
	id := NewMemoryIdentity("")
	c := newTestClient(t, srv, id)

	guid, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.True(t, IsGUID(guid))
	assert.Equal(t, guid, id.GUID())

	q := f.call(0)
	assert.Equal(t, "uc", q.Get("t"))
	assert.Equal(t, "Linux64,Prime95", q.Get("a"))
	assert.Equal(t, testHardware().HardwareID(), q.Get("hd"))
	assert.Len(t, q.Get("hd"), 32)
	assert.Equal(t, "worker-01-with-a-ver", q.Get("cn"))
	assert.Equal(t, "tester", q.Get("u"))
	assert.Equal(t, "4", q.Get("np"))
	assert.Equal(t, "3000", q.Get("s"))
	assert.True(t, q.Has("wg"))
}

func TestRegister_KeepsExistingGUID(t *testing.T) {
	f, srv := newFakeV5(t)
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	guid, err := c.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, goldenGUID, guid)
	assert.Equal(t, goldenGUID, f.call(0).Get("g"))
}

func TestRegister_FailureDoesNotPersist(t *testing.T) {
	f, srv := newFakeV5(t)
	f.sticky["uc"] = ErrorInvalidUser
	id := NewMemoryIdentity("")
	c := newTestClient(t, srv, id)

	_, err := c.Register(context.Background())
	require.Error(t, err)
	assert.Empty(t, id.GUID())
	assert.Len(t, f.commands(), 1)
}

func TestSubmitResult(t *testing.T) {
	f, srv := newFakeV5(t)
	c := newTestClient(t, srv, NewMemoryIdentity(goldenGUID))

	line := `{"status":"C", "exponent":85000001, "worktype":"PRP-3", "res64":"9CE24584CD974BF0", "shift-count":1234, "aid":"` + testAID + `", "program":{"name":"Prime95", "version":"30.8"}}`
	require.True(t, IsStructured(line))

	r, err := ParseResult(line)
	require.NoError(t, err)
	require.NoError(t, c.SubmitResult(context.Background(), r))

	q := f.call(0)
	assert.Equal(t, "ar", q.Get("t"))
	assert.Equal(t, testAID, q.Get("k"))
	assert.Equal(t, "150", q.Get("r"))
	assert.Equal(t, "85000001", q.Get("n"))
	assert.Equal(t, "9CE24584CD974BF0", q.Get("rd"))
	assert.Equal(t, "1234", q.Get("sc"))
	assert.Equal(t, "00000000", q.Get("ec"))
	assert.Equal(t, "1", q.Get("d"))
	assert.Equal(t, line, q.Get("m"))
}

func TestParseResult(t *testing.T) {
	r, err := ParseResult(`{"status":"P","exponent":82589933,"worktype":"LL","res64":"0000000000000000","error-code":"00000000"}`)
	require.NoError(t, err)
	assert.True(t, r.IsPrime())
	assert.False(t, r.IsPRP())
	assert.Equal(t, int64(resultLLPrime), r.resultType())

	_, err = ParseResult(`{"status":"C"}`)
	assert.Error(t, err)
	_, err = ParseResult("M85000001 is not prime. Res64: 9CE24584CD974BF0. Program: Prime95")
	assert.Error(t, err)
	assert.False(t, IsStructured("M85000001 is not prime. Program: Prime95"))
}
