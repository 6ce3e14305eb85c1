package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
)

type fakePresence struct {
	members []cache.PresenceMember
	err     error
}

func (f *fakePresence) AddMember(context.Context, string, cache.PresenceMember, time.Duration) error {
	return nil
}
func (f *fakePresence) RemoveMember(context.Context, string, string) error { return nil }
func (f *fakePresence) GetAliveMembers(context.Context, string) ([]cache.PresenceMember, error) {
	return f.members, f.err
}

func TestMembersFromSession(t *testing.T) {
	r, coord, _ := setup(t, collab.Options{})
	_, err := coord.Join(context.Background(), "doc", "tab-1", 9)
	require.NoError(t, err)
	NewPresence(nil, coord).Register(r.Group("/collab"))

	w := get(r, http.MethodGet, "/collab/documents/doc/members")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"clientId":"tab-1"`)
	assert.Contains(t, w.Body.String(), `"userId":9`)
}

func TestMembersFromPresenceCache(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	p := &fakePresence{members: []cache.PresenceMember{{ClientID: "c1", UserID: 1, Username: "alice"}}}
	NewPresence(p, nil).Register(r.Group("/collab"))

	w := get(r, http.MethodGet, "/collab/documents/doc/members")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"alice"`)

	p.err = errors.New("redis down")
	assert.Equal(t, http.StatusInternalServerError, get(r, http.MethodGet, "/collab/documents/doc/members").Code)
}
