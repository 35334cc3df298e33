package room

import (
	"errors"
	"fmt"
	"regexp"
)

var ErrLocalValidation = errors.New("tablesync: local validation failed")

// ValidationError reports malformed or stale input that was rejected before reaching the server.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrLocalValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var roomNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]{8,48}$`)

func ValidateName(name string) error {
	if !roomNamePattern.MatchString(name) {
		return invalid("room name", "%q must be 8-48 alphanumeric characters", name)
	}
	return nil
}

func ValidateTableIndex(n int) error {
	if n < 0 || n >= TableCount {
		return invalid("table", "%d is not within 0-%d", n, TableCount-1)
	}
	return nil
}

// Validate checks the shape of a piece. The id may be empty for pieces that are yet to be created.
func (p Piece) Validate() error {
	if !p.Layer.Valid() {
		return invalid("piece.layer", "unknown layer %q", p.Layer)
	}
	if p.W < 1 || p.H < 1 {
		return invalid("piece.size", "%dx%d must be at least 1x1", p.W, p.H)
	}
	if p.R < 0 || p.R >= 360 {
		return invalid("piece.r", "rotation %d is not within 0-359", p.R)
	}
	return nil
}

func (p PiecePatch) Validate() error {
	if p.ID == "" {
		return invalid("patch.id", "missing piece id")
	}
	if p.Layer != nil && !p.Layer.Valid() {
		return invalid("patch.layer", "unknown layer %q", *p.Layer)
	}
	if (p.W != nil && *p.W < 1) || (p.H != nil && *p.H < 1) {
		return invalid("patch.size", "size must be at least 1x1")
	}
	if p.R != nil && (*p.R < 0 || *p.R >= 360) {
		return invalid("patch.r", "rotation %d is not within 0-359", *p.R)
	}
	return nil
}

func (t Table) Validate() error {
	seen := make(map[string]bool, len(t))
	for _, p := range t {
		if p.ID == "" {
			return invalid("table", "piece without id")
		}
		if seen[p.ID] {
			return invalid("table", "duplicate piece id %q", p.ID)
		}
		seen[p.ID] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s Setup) Validate() error {
	if s.GridWidth < 1 || s.GridHeight < 1 {
		return invalid("setup.grid", "%dx%d must be at least 1x1", s.GridWidth, s.GridHeight)
	}
	return nil
}

func (p SetupPatch) Validate() error {
	if (p.GridWidth != nil && *p.GridWidth < 1) || (p.GridHeight != nil && *p.GridHeight < 1) {
		return invalid("setup.grid", "grid must be at least 1x1")
	}
	if p.GridSize != nil && *p.GridSize < 1 {
		return invalid("setup.gridSize", "%d must be positive", *p.GridSize)
	}
	if p.GridType != nil && *p.GridType != GridSquare && *p.GridType != GridHex {
		return invalid("setup.gridType", "unknown grid type %q", *p.GridType)
	}
	return nil
}

func (r Room) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if r.Width < 1 || r.Height < 1 {
		return invalid("room.size", "%dx%d must be at least 1x1", r.Width, r.Height)
	}
	return r.Setup.Validate()
}
