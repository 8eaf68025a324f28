package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CachedStatus is the persisted, rebuildable view of "does this owner
// currently hold a license". It is never authoritative for writes.
type CachedStatus struct {
	HasLicense bool      `json:"has_license"`
	Timestamp  time.Time `json:"timestamp"`
	Signature  string    `json:"signature,omitempty"`
}

// CacheSlot is one named key-value slot holding a CachedStatus. The
// TTL check lives in the Verifier; a slot only stores and clears.
type CacheSlot interface {
	// Load returns the stored value, or false when the slot is empty
	// or unreadable.
	Load() (CachedStatus, bool)
	// Store overwrites the slot.
	Store(CachedStatus) error
	// Clear empties the slot, e.g. on sign-out.
	Clear() error
}

// cacheSlotSecret signs the persisted slot so a hand-edited file reads
// as absent rather than as a valid entitlement.
const cacheSlotSecret = "viraldesk-status-slot-v1"

// FileSlot persists the cached status as a signed JSON file.
type FileSlot struct {
	path string
	mu   sync.Mutex
}

// NewFileSlot creates a file-backed cache slot at the given path.
func NewFileSlot(path string) *FileSlot {
	return &FileSlot{path: path}
}

// Load reads and verifies the slot file
func (s *FileSlot) Load() (CachedStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return CachedStatus{}, false
	}

	var cached CachedStatus
	if err := json.Unmarshal(data, &cached); err != nil {
		return CachedStatus{}, false
	}

	if cached.Signature != signCachedStatus(cached) {
		return CachedStatus{}, false
	}

	return cached, true
}

// Store writes the slot file with restricted permissions
func (s *FileSlot) Store(cached CachedStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached.Signature = signCachedStatus(cached)

	data, err := json.MarshalIndent(cached, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cached status: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write cached status: %w", err)
	}

	return nil
}

// Clear removes the slot file if it exists
func (s *FileSlot) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		return os.Remove(s.path)
	}
	return nil
}

// signCachedStatus creates an HMAC-SHA256 signature over the slot
// payload, excluding the signature field itself.
func signCachedStatus(cached CachedStatus) string {
	payload := fmt.Sprintf("%t|%s", cached.HasLicense, cached.Timestamp.UTC().Format(time.RFC3339Nano))
	h := hmac.New(sha256.New, []byte(cacheSlotSecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// FileSlotFactory returns a per-owner slot constructor storing one
// signed file per owner under dir. Owner IDs are hashed into the
// filename so arbitrary token subjects cannot escape the directory.
func FileSlotFactory(dir string) func(ownerID string) CacheSlot {
	return func(ownerID string) CacheSlot {
		sum := sha256.Sum256([]byte(ownerID))
		name := hex.EncodeToString(sum[:8]) + ".json"
		return NewFileSlot(filepath.Join(dir, name))
	}
}

// MemorySlot is an in-memory cache slot, used for per-session slots on
// the server and in tests.
type MemorySlot struct {
	mu     sync.RWMutex
	cached CachedStatus
	filled bool
}

// NewMemorySlot creates an empty in-memory slot.
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{}
}

// Load returns the stored value, if any
func (s *MemorySlot) Load() (CachedStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached, s.filled
}

// Store overwrites the slot
func (s *MemorySlot) Store(cached CachedStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = cached
	s.filled = true
	return nil
}

// Clear empties the slot
func (s *MemorySlot) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = CachedStatus{}
	s.filled = false
	return nil
}
