// Package render resolves raw message content into display form for a
// specific viewer. It is a pure collaborator from the core's perspective.
package render

import (
	"context"
	"strings"

	"threadcast/internal/model"
	"threadcast/internal/store"
)

// Renderer expands tag/mention references for the viewing user.
type Renderer interface {
	Render(ctx context.Context, viewerID string, msg model.Message) (string, error)
}

// Text is the reference Renderer: it rewrites `@<user-id>` and
// `#<tag-id>` tokens (for the ids the message actually mentions) into
// `@nickname` / `#tagname`; a mention of the viewer renders as `@you`.
// Unresolvable references are left untouched rather than failing the
// whole render.
type Text struct {
	st store.Store
}

func NewText(st store.Store) *Text { return &Text{st: st} }

func (r *Text) Render(ctx context.Context, viewerID string, msg model.Message) (string, error) {
	out := msg.Content
	for _, userID := range msg.MentionedUserIDs {
		if userID == viewerID {
			out = strings.ReplaceAll(out, "@"+userID, "@you")
			continue
		}
		u, err := r.st.User(ctx, userID)
		if err != nil {
			continue
		}
		out = strings.ReplaceAll(out, "@"+userID, "@"+u.Nickname)
	}
	for _, tagID := range msg.MentionedTagIDs {
		t, err := r.st.Tag(ctx, tagID)
		if err != nil {
			continue
		}
		out = strings.ReplaceAll(out, "#"+tagID, "#"+t.Name)
	}
	return out, nil
}
