package docindex

import (
	"fmt"
)

// OrphanStatusError reports a status update for a document the index has
// never seen.
type OrphanStatusError struct {
	DocumentID string
	Status     Status
	EventID    string
}

func (e *OrphanStatusError) Error() string {
	return fmt.Sprintf("cannot set status %s on non-existent documentId=%s", e.Status, e.DocumentID)
}

func (e *OrphanStatusError) Unwrap() error {
	return ErrDocumentNotFound
}

// Replay applies mutations, in the order given, to an empty index.
func Replay(mutations []Mutation) (State, error) {
	return ReplayFrom(Empty(), mutations)
}

// ReplayFrom applies mutations on top of base. base is copied, never
// mutated. On error the zero State is returned so no partially applied
// index can escape.
func ReplayFrom(base State, mutations []Mutation) (State, error) {
	docs := make(map[string]Row, len(base.DocumentsByID)+len(mutations))
	for id, row := range base.DocumentsByID {
		docs[id] = row
	}

	for _, mutation := range mutations {
		switch mut := mutation.(type) {
		case UpsertDocument:
			docs[mut.Row.DocumentID] = mut.Row
		case UpdateStatus:
			existing, ok := docs[mut.DocumentID]
			if !ok {
				return State{}, &OrphanStatusError{DocumentID: mut.DocumentID, Status: mut.Status, EventID: mut.EventID}
			}
			existing.Status = mut.Status
			docs[mut.DocumentID] = existing
		default:
			return State{}, fmt.Errorf("docindex: unhandled mutation %T", mutation)
		}
	}

	return State{DocumentsByID: docs}, nil
}
