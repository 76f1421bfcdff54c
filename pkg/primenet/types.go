package primenet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Command is the t= code of a keyed API call.
type Command string

const (
	CmdUpdateCompute      Command = "uc"
	CmdAssignmentProgress Command = "ap"
	CmdAssignmentResult   Command = "ar"
)

func (c Command) String() string {
	switch c {
	case CmdUpdateCompute:
		return "update compute"
	case CmdAssignmentProgress:
		return "assignment progress"
	case CmdAssignmentResult:
		return "assignment result"
	default:
		return string(c)
	}
}

// WorkType is a manual assignment work preference code.
type WorkType int

const (
	WorkSmallestAvail    WorkType = 100
	WorkDoubleCheck      WorkType = 101
	WorkWorldRecord      WorkType = 102
	Work100MDigit        WorkType = 104
	WorkSmallestAvailPRP WorkType = 150
	WorkDoubleCheckPRP   WorkType = 151
	WorkWorldRecordPRP   WorkType = 152
	Work100MDigitPRP     WorkType = 153
)

var workTypeNames = map[string]WorkType{
	"SmallestAvail":    WorkSmallestAvail,
	"DoubleCheck":      WorkDoubleCheck,
	"WorldRecord":      WorkWorldRecord,
	"100Mdigit":        Work100MDigit,
	"SmallestAvailPRP": WorkSmallestAvailPRP,
	"DoubleCheckPRP":   WorkDoubleCheckPRP,
	"WorldRecordPRP":   WorkWorldRecordPRP,
	"100MdigitPRP":     Work100MDigitPRP,
}

// ParseWorkType accepts a numeric code or its mnemonic.
func ParseWorkType(s string) (WorkType, error) {
	s = strings.TrimSpace(s)
	if wt, ok := workTypeNames[s]; ok {
		return wt, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unsupported worktype %q", s)
	}
	wt := WorkType(n)
	for _, known := range workTypeNames {
		if known == wt {
			return wt, nil
		}
	}
	return 0, fmt.Errorf("unsupported worktype %q", s)
}

func (w WorkType) String() string {
	return strconv.Itoa(int(w))
}

// Hardware describes the node as shown on the server's CPU list.
type Hardware struct {
	Username  string
	Hostname  string
	CPUModel  string
	Features  string
	Frequency int
	Memory    int
	L1        int
	L2        int
	NumCores  int
}

// HardwareID is the 32 hex digit hardware hash sent at registration.
func (h Hardware) HardwareID() string {
	sum := sha256.Sum256([]byte(h.CPUModel))
	return hex.EncodeToString(sum[:])[:32]
}

// IdentityStore holds the node guid. SaveGUID must persist durably before
// returning so a restarted agent keeps its identity.
type IdentityStore interface {
	GUID() string
	SaveGUID(guid string) error
}

// MemoryIdentity is an IdentityStore that keeps the guid in memory.
type MemoryIdentity struct {
	mu   sync.Mutex
	guid string
}

func NewMemoryIdentity(guid string) *MemoryIdentity {
	return &MemoryIdentity{guid: guid}
}

func (m *MemoryIdentity) GUID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guid
}

func (m *MemoryIdentity) SaveGUID(guid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guid = guid
	return nil
}

// NewGUID mints a node identity: 32 lowercase hex digits.
func NewGUID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// IsGUID reports whether s looks like a node identity.
func IsGUID(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
