package blame

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/store"
	"github.com/faultline-io/faultline/pkg/models"
)

// Normalization regexes compiled once at package init.
var (
	reHexAddr = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	reUUID    = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reNumber  = regexp.MustCompile(`\d+`)
)

// FingerprintBlamer is the default assignment policy: the identity of a
// report is (exception class, top resolved source frame, environment). An
// occurrence whose backtrace has been resolved since ingestion may therefore
// land on a different bug than the one it was first filed under — which is
// exactly what recategorization is for.
type FingerprintBlamer struct {
	store store.Store
}

// NewFingerprintBlamer creates a FingerprintBlamer backed by the given store.
func NewFingerprintBlamer(s store.Store) *FingerprintBlamer {
	return &FingerprintBlamer{store: s}
}

// Decide returns the bug this occurrence belongs to, creating one when no
// bug with the derived identity exists yet.
func (b *FingerprintBlamer) Decide(ctx context.Context, occ *models.Occurrence) (*models.Bug, error) {
	current, err := b.store.GetBug(ctx, occ.BugID)
	if err != nil {
		return nil, fmt.Errorf("load current bug: %w", err)
	}

	identity := store.BugIdentity{
		ProjectID:   current.ProjectID,
		ClassName:   ClassName(occ.Message),
		File:        current.File,
		Line:        current.Line,
		Environment: current.Environment,
	}
	if file, line, ok := topSourceFrame(occ.Backtraces); ok {
		identity.File = file
		identity.Line = line
	}

	if identity.ClassName == current.ClassName &&
		identity.File == current.File &&
		identity.Line == current.Line {
		return current, nil
	}

	existing, err := b.store.GetBugByIdentity(ctx, identity)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find bug by identity: %w", err)
	}

	now := time.Now().UTC()
	bug := &models.Bug{
		ID:          uuid.New(),
		ProjectID:   identity.ProjectID,
		ClassName:   identity.ClassName,
		File:        identity.File,
		Line:        identity.Line,
		Environment: identity.Environment,
		DeployID:    current.DeployID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.store.CreateBug(ctx, bug); err != nil {
		return nil, fmt.Errorf("create bug: %w", err)
	}
	return bug, nil
}

// ClassName extracts a stable exception class from a raw message. Reporters
// conventionally send "SomeException: detail"; the detail half is full of
// addresses, ids and counts, so only the normalized class half is identity.
func ClassName(message string) string {
	class := message
	if i := strings.Index(message, ":"); i >= 0 {
		class = message[:i]
	}
	class = reHexAddr.ReplaceAllString(class, "")
	class = reUUID.ReplaceAllString(class, "")
	class = reNumber.ReplaceAllString(class, "")
	class = strings.TrimSpace(class)
	if class == "" {
		return "Error"
	}
	return class
}

// topSourceFrame returns the source location of the first resolved frame in
// the faulted thread.
func topSourceFrame(bt models.Backtrace) (file string, line int, ok bool) {
	for _, f := range bt.FaultedFrames() {
		switch fr := f.(type) {
		case models.ResolvedNativeFrame:
			return fr.File, fr.Line, true
		case models.ResolvedJSFrame:
			return fr.File, fr.Line, true
		case models.ResolvedJavaFrame:
			return fr.File, fr.Line, true
		}
	}
	return "", 0, false
}

// Compile-time check that FingerprintBlamer implements Blamer.
var _ Blamer = (*FingerprintBlamer)(nil)

// FileParams carries what ingestion knows about a report before any bug
// exists for it.
type FileParams struct {
	ProjectID   uuid.UUID
	Environment string
	DeployID    *uuid.UUID
	Message     string
	Backtraces  models.Backtrace
}

// File finds or creates the bug a brand-new report belongs to. Unlike
// Decide, it does not start from an existing bug, so it is the intake path
// for reports that arrive without a bug id.
func (b *FingerprintBlamer) File(ctx context.Context, p FileParams) (*models.Bug, error) {
	identity := store.BugIdentity{
		ProjectID:   p.ProjectID,
		ClassName:   ClassName(p.Message),
		Environment: p.Environment,
	}
	if file, line, ok := topSourceFrame(p.Backtraces); ok {
		identity.File = file
		identity.Line = line
	} else if file, line, ok := topRawFrame(p.Backtraces); ok {
		identity.File = file
		identity.Line = line
	}

	existing, err := b.store.GetBugByIdentity(ctx, identity)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find bug by identity: %w", err)
	}

	now := time.Now().UTC()
	bug := &models.Bug{
		ID:          uuid.New(),
		ProjectID:   identity.ProjectID,
		ClassName:   identity.ClassName,
		File:        identity.File,
		Line:        identity.Line,
		Environment: identity.Environment,
		DeployID:    p.DeployID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.store.CreateBug(ctx, bug); err != nil {
		return nil, fmt.Errorf("create bug: %w", err)
	}
	return bug, nil
}

// topRawFrame falls back to unresolved coordinates so that two identical
// still-obfuscated reports at least land on the same bug until a resolver
// runs.
func topRawFrame(bt models.Backtrace) (file string, line int, ok bool) {
	for _, f := range bt.FaultedFrames() {
		switch fr := f.(type) {
		case models.UnresolvedJSFrame:
			return fr.AssetURL, fr.Line, true
		case models.UnresolvedJavaFrame:
			return fr.ObfuscatedFile, fr.Line, true
		case models.UnresolvedNativeFrame:
			return fmt.Sprintf("0x%x", fr.Address), 0, true
		}
	}
	return "", 0, false
}
