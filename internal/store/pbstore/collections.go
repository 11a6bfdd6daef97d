package pbstore

import (
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
)

const (
	SessionsCollection = "sessions"
	RSVPsCollection    = "rsvps"
)

var (
	sessionStatuses = []string{"open", "full", "closed"}
	rsvpStatuses    = []string{"confirmed", "waitlisted", "cancelled"}
)

// EnsureCollections creates the sessions and rsvps collections when they are
// missing. API rules stay nil so only superusers reach them through the
// generic record API; admission traffic goes through the custom routes.
func EnsureCollections(app core.App) error {
	if _, err := app.FindCollectionByNameOrId(SessionsCollection); err != nil {
		if err := app.Save(newSessionsCollection()); err != nil {
			return err
		}
	}
	if _, err := app.FindCollectionByNameOrId(RSVPsCollection); err != nil {
		if err := app.Save(newRSVPsCollection()); err != nil {
			return err
		}
	}
	return nil
}

// DropCollections removes both collections.
func DropCollections(app core.App) error {
	for _, name := range []string{RSVPsCollection, SessionsCollection} {
		collection, err := app.FindCollectionByNameOrId(name)
		if err != nil {
			continue
		}
		if err := app.Delete(collection); err != nil {
			return err
		}
	}
	return nil
}

func newSessionsCollection() *core.Collection {
	collection := core.NewBaseCollection(SessionsCollection)
	collection.Fields.Add(
		&core.TextField{Name: "event_id", Required: true, Max: 64},
		&core.TextField{Name: "title", Required: true, Max: 255},
		&core.TextField{Name: "description"},
		&core.TextField{Name: "location", Max: 255},
		&core.NumberField{Name: "capacity", Required: true, OnlyInt: true, Min: types.Pointer(1.0)},
		&core.NumberField{Name: "confirmed_count", OnlyInt: true, Min: types.Pointer(0.0)},
		&core.NumberField{Name: "waitlist_count", OnlyInt: true, Min: types.Pointer(0.0)},
		&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: sessionStatuses},
		&core.DateField{Name: "start_time"},
		&core.DateField{Name: "end_time"},
		&core.DateField{Name: "created_at"},
		&core.DateField{Name: "updated_at"},
	)
	collection.AddIndex("idx_sessions_event_start", false, "event_id, start_time", "")
	return collection
}

func newRSVPsCollection() *core.Collection {
	collection := core.NewBaseCollection(RSVPsCollection)
	collection.Fields.Add(
		&core.TextField{Name: "session_id", Required: true, Max: 64},
		&core.TextField{Name: "user_id", Required: true, Max: 255},
		&core.TextField{Name: "user_name", Max: 255},
		&core.TextField{Name: "user_email", Max: 255},
		&core.SelectField{Name: "status", Required: true, MaxSelect: 1, Values: rsvpStatuses},
		&core.NumberField{Name: "position", OnlyInt: true, Min: types.Pointer(0.0)},
		&core.DateField{Name: "registered_at"},
		&core.DateField{Name: "promoted_at"},
		&core.DateField{Name: "cancelled_at"},
		&core.DateField{Name: "updated_at"},
	)
	collection.AddIndex("idx_rsvps_session_status", false, "session_id, status", "")
	collection.AddIndex("idx_rsvps_live_user", true, "session_id, user_id", "status != 'cancelled'")
	return collection
}
