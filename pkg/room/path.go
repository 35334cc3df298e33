package room

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	RoomPath  = "room.json"
	SetupPath = "setup.json"
)

// Digests maps a resource path to the content digest the server currently holds for it.
type Digests map[string]string

type Kind int

const (
	KindRoom Kind = iota
	KindSetup
	KindTable
)

func (k Kind) String() string {
	return []string{"room", "setup", "table"}[k]
}

// Resource identifies one digest-tracked sub resource of a room.
type Resource struct {
	Kind  Kind
	Table int
}

func (r Resource) Path() string {
	switch r.Kind {
	case KindRoom:
		return RoomPath
	case KindSetup:
		return SetupPath
	default:
		return TablePath(r.Table)
	}
}

func TablePath(n int) string {
	return fmt.Sprintf("tables/%d.json", n)
}

func ParsePath(p string) (Resource, error) {
	switch p {
	case RoomPath:
		return Resource{Kind: KindRoom}, nil
	case SetupPath:
		return Resource{Kind: KindSetup}, nil
	}
	rest, ok := strings.CutPrefix(p, "tables/")
	if !ok {
		return Resource{}, fmt.Errorf("unknown resource path %q", p)
	}
	rest, ok = strings.CutSuffix(rest, ".json")
	if !ok {
		return Resource{}, fmt.Errorf("unknown resource path %q", p)
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return Resource{}, fmt.Errorf("invalid table in path %q: %w", p, err)
	}
	if err := ValidateTableIndex(n); err != nil {
		return Resource{}, err
	}
	return Resource{Kind: KindTable, Table: n}, nil
}
