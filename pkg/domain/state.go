package domain

// EntityState is the lifecycle state of a tracked entity.
type EntityState uint8

// Tracked entity states.
const (
	// StateUnchanged marks an entity whose fields match its baseline.
	StateUnchanged EntityState = iota
	// StateModified marks an entity written to since it became Unchanged.
	StateModified
	// StateAdded marks an entity created in this session and not yet inserted.
	StateAdded
	// StateDeleted marks an entity scheduled for removal.
	StateDeleted
)

func (s EntityState) String() string {
	switch s {
	case StateUnchanged:
		return "unchanged"
	case StateModified:
		return "modified"
	case StateAdded:
		return "added"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// FieldChange is the before/after pair of a single field.
type FieldChange struct {
	Old Value `json:"old"`
	New Value `json:"new"`
}

// ChangeSet is the pending work for one entity. It is derived on demand and
// never stored.
type ChangeSet struct {
	Entity  *Entity                `json:"-"`
	State   EntityState            `json:"state"`
	Table   string                 `json:"table"`
	Key     PrimaryKey             `json:"-"`
	Changes map[string]FieldChange `json:"changes,omitempty"`
	// Values is the full row image: the inserted row for Added entities and
	// the current row for updates.
	Values Record `json:"values,omitempty"`
}

// ChangedFields returns the names of the changed fields in sorted order.
func (c ChangeSet) ChangedFields() []string {
	r := make(Record, len(c.Changes))
	for k, v := range c.Changes {
		r[k] = v.New
	}
	return r.Fields()
}

// Stats summarizes a unit of work.
type Stats struct {
	TrackedEntities int `json:"tracked_entities"`
	IdentityMapSize int `json:"identity_map_size"`
	CheckpointCount int `json:"checkpoint_count"`
	PendingChanges  int `json:"pending_changes"`
}
