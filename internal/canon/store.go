package canon

import (
	"fmt"
	"strings"
	"sync"

	"worldbuild/internal/contracts"
	"worldbuild/internal/types"
)

// Rejection kinds reported when a patch cannot be applied.
const (
	RejectedPhase      = "patch_rejected_phase"
	RejectedSemantics  = "patch_rejected_semantics"
	CanonSchemaInvalid = "canon_schema_invalid"
)

// Rejection explains why a patch was refused. It implements error so the
// engine can surface it through the repair loop unchanged.
type Rejection struct {
	Kind   string
	Errors []string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, strings.Join(r.Errors, "; "))
}

// AllowedPrefixes returns the canon path prefixes writable during phase.
// Phase 4 may touch anything; phase 5 and unknown phases are read-only.
func AllowedPrefixes(phase int) []string {
	switch phase {
	case 1:
		return []string{"/world_name", "/governing_logic", "/aesthetic_mood", "/inhabitants"}
	case 2:
		return []string{"/landmarks"}
	case 3:
		return []string{"/tension"}
	case 4:
		return []string{"/"}
	default:
		return nil
	}
}

func pathAllowed(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "/" {
			return true
		}
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// checkPhasePaths verifies every op in the patch stays within the writable
// region for the phase. Both path and from are checked so a move cannot
// smuggle content out of a locked section.
func checkPhasePaths(phase int, patch []types.PatchOp) *Rejection {
	prefixes := AllowedPrefixes(phase)
	var errs []string
	for i, op := range patch {
		if !pathAllowed(op.Path, prefixes) {
			errs = append(errs, fmt.Sprintf("op %d: path %q not writable in phase %d", i, op.Path, phase))
		}
		if op.Op == "move" && !pathAllowed(op.From, prefixes) {
			errs = append(errs, fmt.Sprintf("op %d: from %q not writable in phase %d", i, op.From, phase))
		}
	}
	if len(errs) > 0 {
		return &Rejection{Kind: RejectedPhase, Errors: errs}
	}
	return nil
}

// Store holds one team's canon document. All mutation goes through Apply,
// which is atomic: the document changes only if the whole patch succeeds
// and the result passes the phase gate.
type Store struct {
	mu  sync.Mutex
	doc types.Canon
}

// NewStore normalizes the initial document and wraps it in a Store.
func NewStore(initial types.Canon) (*Store, error) {
	normalized, err := Normalize(initial)
	if err != nil {
		return nil, err
	}
	doc, ok := normalized.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("initial canon must be an object, got %T", normalized)
	}
	return &Store{doc: doc}, nil
}

// Current returns a deep copy of the document. Callers may mutate the copy
// freely.
func (s *Store) Current() types.Canon {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied, err := Normalize(s.doc)
	if err != nil {
		// The document only ever holds JSON-round-tripped values, so this
		// cannot fail after NewStore succeeded.
		panic(fmt.Sprintf("canon: copy failed: %v", err))
	}
	return copied.(map[string]any)
}

// Hash returns the canonical SHA-256 of the current document.
func (s *Store) Hash() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Hash(s.doc)
}

// DryRun applies the patch against a copy and reports the rejection that
// Apply would produce, without touching the document.
func (s *Store) DryRun(phase int, patch []types.PatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.eval(phase, patch)
	return err
}

// Apply runs the patch under the phase gate and commits the result. It
// returns the canonical hashes before and after the commit. On any error the
// document is unchanged.
func (s *Store) Apply(phase int, patch []types.PatchOp) (beforeHash, afterHash string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.eval(phase, patch)
	if err != nil {
		return "", "", err
	}
	if beforeHash, err = Hash(s.doc); err != nil {
		return "", "", err
	}
	if afterHash, err = Hash(next); err != nil {
		return "", "", err
	}
	s.doc = next
	return beforeHash, afterHash, nil
}

func (s *Store) eval(phase int, patch []types.PatchOp) (types.Canon, error) {
	if rej := checkPhasePaths(phase, patch); rej != nil {
		return nil, rej
	}
	next, err := applyPatch(s.doc, patch)
	if err != nil {
		return nil, &Rejection{Kind: RejectedSemantics, Errors: []string{err.Error()}}
	}
	if phase == 4 {
		if res := contracts.ValidateCanon(next); !res.OK {
			return nil, &Rejection{Kind: CanonSchemaInvalid, Errors: res.Errors}
		}
	}
	return next, nil
}
