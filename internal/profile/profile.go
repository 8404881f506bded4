// Package profile implements the daemon's C4 component: a durable,
// mutex-guarded collection of named container profiles with exactly one
// active at a time.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/google/uuid"
)

const (
	storeNamespace = "profile"
	storeKey       = "store"
	defaultID      = "default"
)

// Mode selects how the guest container is bound.
type Mode string

const (
	ModeLegacy Mode = "legacy"
	ModeServer Mode = "server"
)

// RomSource records the provenance of a profile's last successful install.
type RomSource string

const (
	RomSourceBundled    RomSource = "bundled"
	RomSourceThirdParty RomSource = "third_party"
)

// Profile is one named container configuration.
type Profile struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	RootfsPath       string    `json:"rootfs_path"`
	ControlPort      int       `json:"control_port"`
	AdbPort          string    `json:"adb_port"`
	Mode             Mode      `json:"mode"`
	VerboseDebug     bool      `json:"verbose_debug"`
	UseThirdPartyRom bool      `json:"use_third_party_rom"`
	ForceInstall     bool      `json:"force_install"`
	RomSource        RomSource `json:"rom_source"`
	CreatedAt        int64     `json:"created_at"`
	LastUsedAt       int64     `json:"last_used_at"`
}

// kvBlob stores persists as a single JSON blob.
type kvBlob struct {
	Profiles []Profile `json:"profiles"`
	ActiveID string    `json:"active_id"`
}

// durableStore is the subset of kvstore.Store the profile store depends on,
// narrowed so tests can substitute an in-memory fake.
type durableStore interface {
	GetString(ctx context.Context, namespace, key, fallback string) string
	SetString(ctx context.Context, namespace, key, value string)
}

// Store is the in-memory, mutex-guarded profile collection, durably backed
// by a kvstore blob.
type Store struct {
	mu       sync.Mutex
	kv       durableStore
	appData  string
	profiles []Profile
	activeID string
	nameGen  namegenerator.Generator
	now      func() time.Time
}

// New constructs a Store bound to kv and appData (the directory profile
// rootfs paths are derived relative to). Call Load before use.
func New(kv durableStore, appData string) *Store {
	return &Store{
		kv:      kv,
		appData: appData,
		nameGen: namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()),
		now:     time.Now,
	}
}

// Load reads the persisted blob. On missing or corrupt data it seeds a
// single default profile and persists it.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := s.kv.GetString(ctx, storeNamespace, storeKey, "")
	var blob kvBlob
	if raw == "" {
		s.seedDefaultLocked(ctx)
		return
	}
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		slog.ErrorContext(ctx, "profile.Load: corrupt blob, resetting", "error", err)
		s.seedDefaultLocked(ctx)
		return
	}
	if len(blob.Profiles) == 0 {
		s.seedDefaultLocked(ctx)
		return
	}

	s.profiles = blob.Profiles
	s.activeID = blob.ActiveID
	if s.byIDLocked(s.activeID) == nil {
		s.activeID = s.profiles[0].ID
	}
}

func (s *Store) seedDefaultLocked(ctx context.Context) {
	now := s.now().UnixMilli()
	s.profiles = []Profile{{
		ID:          defaultID,
		Name:        defaultID,
		ControlPort: 5555,
		AdbPort:     "127.0.0.1:5037",
		Mode:        ModeServer,
		CreatedAt:   now,
		LastUsedAt:  now,
	}}
	s.activeID = defaultID
	s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) {
	blob := kvBlob{Profiles: s.profiles, ActiveID: s.activeID}
	data, err := json.Marshal(blob)
	if err != nil {
		slog.ErrorContext(ctx, "profile.persist: marshal", "error", err)
		return
	}
	s.kv.SetString(ctx, storeNamespace, storeKey, string(data))
}

// All returns a snapshot of profiles in insertion order.
func (s *Store) All() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// SortedByLastUsed returns a snapshot ordered by LastUsedAt descending.
func (s *Store) SortedByLastUsed() []Profile {
	out := s.All()
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].LastUsedAt < out[j].LastUsedAt; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ByID looks up a profile by id.
func (s *Store) ByID(id string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.byIDLocked(id); p != nil {
		cp := *p
		return &cp
	}
	return nil
}

func (s *Store) byIDLocked(id string) *Profile {
	for i := range s.profiles {
		if s.profiles[i].ID == id {
			return &s.profiles[i]
		}
	}
	return nil
}

// Active returns the currently active profile.
func (s *Store) Active() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.byIDLocked(s.activeID); p != nil {
		cp := *p
		return &cp
	}
	return nil
}

// SetActive switches the active profile. No-op if id is unknown.
func (s *Store) SetActive(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byIDLocked(id) == nil {
		return
	}
	s.activeID = id
	s.persistLocked(ctx)
}

// Add appends p and persists. Caller ensures ID and name uniqueness.
func (s *Store) Add(ctx context.Context, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, p)
	s.persistLocked(ctx)
}

// Update replaces the profile with a matching ID. No-op if absent.
func (s *Store) Update(ctx context.Context, p Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.profiles {
		if s.profiles[i].ID == p.ID {
			s.profiles[i] = p
			s.persistLocked(ctx)
			return
		}
	}
}

// Delete removes id. Returns false (and does nothing) if this would empty
// the store. Promotes the first remaining profile to active if id was
// active.
func (s *Store) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.profiles) <= 1 {
		return false
	}

	idx := -1
	for i := range s.profiles {
		if s.profiles[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return true
	}

	s.profiles = append(s.profiles[:idx], s.profiles[idx+1:]...)
	if s.activeID == id {
		s.activeID = s.profiles[0].ID
	}
	s.persistLocked(ctx)
	return true
}

// Duplicate deep-copies id's profile, assigns a fresh UUID, appends " (Copy)"
// to the name, and resets timestamps to now. Returns nil if id is unknown.
func (s *Store) Duplicate(ctx context.Context, id string) *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.byIDLocked(id)
	if src == nil {
		return nil
	}

	cp := *src
	cp.ID = uuid.NewString()
	cp.Name = cp.Name + " (Copy)"
	now := s.now().UnixMilli()
	cp.CreatedAt = now
	cp.LastUsedAt = now

	s.profiles = append(s.profiles, cp)
	s.persistLocked(ctx)

	out := cp
	return &out
}

// IsNameUnique reports whether name is unused by any profile other than
// excludeID, case-insensitively.
func (s *Store) IsNameUnique(name, excludeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lower := strings.ToLower(name)
	for _, p := range s.profiles {
		if p.ID == excludeID {
			continue
		}
		if strings.ToLower(p.Name) == lower {
			return false
		}
	}
	return true
}

// GenerateUniqueName appends " 1", " 2", ... to base until it is unused.
func (s *Store) GenerateUniqueName(base string) string {
	if s.IsNameUnique(base, "") {
		return base
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s %d", base, i)
		if s.IsNameUnique(candidate, "") {
			return candidate
		}
	}
}

// SuggestName produces a human-readable default profile name, e.g. "curious
// raccoon", before GenerateUniqueName's numeric-suffix disambiguation.
func (s *Store) SuggestName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nameGen.Generate()
}

var sanitizeRE = regexp.MustCompile(`[^A-Za-z0-9-]`)

// RootfsDir resolves p's rootfs directory: an absolute RootfsPath is used
// verbatim (a content:// URI never is), otherwise a path is derived under
// appData from p.ID.
func (s *Store) RootfsDir(p Profile) string {
	if p.RootfsPath != "" && !strings.HasPrefix(p.RootfsPath, "content://") && filepath.IsAbs(p.RootfsPath) {
		return p.RootfsPath
	}
	if p.ID == defaultID {
		return filepath.Join(s.appData, "rootfs")
	}
	sanitized := sanitizeRE.ReplaceAllString(p.ID, "")
	if len(sanitized) > 32 {
		sanitized = sanitized[:32]
	}
	if sanitized == "" {
		sanitized = "default"
	}
	return filepath.Join(s.appData, "rootfs_"+sanitized)
}
