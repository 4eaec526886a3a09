package rest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleychat/parley-sdk-go/parley"
	"github.com/parleychat/parley-sdk-go/parley/internal/testserver"
	"github.com/parleychat/parley-sdk-go/parley/session"
)

func newTestClient(t *testing.T) (*testserver.Server, *session.Session, *Client) {
	t.Helper()
	srv := testserver.New()
	t.Cleanup(srv.Close)

	cfg := parley.DefaultConfig()
	cfg.APIURL = srv.URL
	sess := session.New(nil)
	return srv, sess, NewClient(cfg, sess)
}

func signIn(t *testing.T, srv *testserver.Server, sess *session.Session, username string) {
	t.Helper()
	access, refresh := srv.Tokens(username)
	sess.SetTokens(context.Background(), access, refresh)
}

func TestClientSendsBearerToken(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alice", me.Username)
}

func TestClientNoTokenIsUnauthorized(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")

	_, err := c.Me(context.Background())
	require.Error(t, err)
	require.Equal(t, parley.ErrorUnauthorized, parley.CodeOf(err))
	require.Equal(t, "Error: Not authenticated", sess.ErrorMessage())
	require.Zero(t, srv.Hits("POST /auth/refresh"))
}

func TestClientRefreshesOnceAndReplays(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")
	stale := sess.AccessToken()
	refresh := sess.RefreshToken()
	srv.ExpireAccessTokens()

	me, err := c.Me(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alice", me.Username)

	require.Equal(t, 2, srv.Hits("GET /users/me"))
	require.Equal(t, 1, srv.Hits("POST /auth/refresh"))
	require.NotEqual(t, stale, sess.AccessToken())
	require.Equal(t, refresh, sess.RefreshToken(), "refresh token kept when not rotated")
	require.Equal(t, 1, c.Refresher().Stats().Successes)
}

func TestClientRefreshRotatesRefreshToken(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	srv.SetRotateRefresh(true)
	signIn(t, srv, sess, "alice")
	refresh := sess.RefreshToken()
	srv.ExpireAccessTokens()

	_, err := c.Me(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, refresh, sess.RefreshToken())
}

func TestClientRetriesAtMostOnce(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")
	unauthorized := testserver.Fault{Status: http.StatusUnauthorized, Body: `{"detail":"nope"}`}
	srv.FailNext("GET /users/me", unauthorized)
	srv.FailNext("GET /users/me", unauthorized)

	_, err := c.Me(context.Background())
	require.Error(t, err)
	require.Equal(t, parley.ErrorUnauthorized, parley.CodeOf(err))
	require.Equal(t, 2, srv.Hits("GET /users/me"))
	require.Equal(t, 1, srv.Hits("POST /auth/refresh"))
	require.Equal(t, "Error: nope", sess.ErrorMessage())
	require.NotEmpty(t, sess.AccessToken(), "a failed replay does not log out")
}

func TestClientFailedRefreshLogsOut(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")
	srv.ExpireAccessTokens()
	srv.SetRejectRefresh(true)

	var tornDown bool
	sess.OnTeardown(func(context.Context) { tornDown = true })

	raw, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/users/me"})
	require.Nil(t, raw)
	require.True(t, errors.Is(err, parley.NewError(parley.ErrorSessionExpired, "")))
	require.True(t, tornDown)
	require.Empty(t, sess.AccessToken())
	require.Empty(t, sess.RefreshToken())
	require.Equal(t, 1, srv.Hits("GET /users/me"))
	require.Equal(t, 1, c.Refresher().Stats().Failures)
}

func TestClientLoginNeverRefreshes(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")

	_, err := c.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	require.Equal(t, parley.ErrorUnauthorized, parley.CodeOf(err))
	require.Zero(t, srv.Hits("POST /auth/refresh"))
	require.Equal(t, "Error: Incorrect username or password", sess.ErrorMessage())
}

func TestClientServerErrorDetail(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")

	srv.FailNext("GET /rooms/mine", testserver.Fault{Status: http.StatusBadRequest, Body: `{"detail":"Room not found"}`})
	_, err := c.MyRooms(context.Background())
	var perr *parley.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, parley.ErrorServer, perr.Code)
	require.Equal(t, http.StatusBadRequest, perr.Status)
	require.Equal(t, "Error: Room not found", sess.ErrorMessage())

	srv.FailNext("GET /rooms/mine", testserver.Fault{Status: http.StatusBadGateway, Body: "upstream down"})
	_, err = c.MyRooms(context.Background())
	require.Error(t, err)
	require.Equal(t, "Error: upstream down", sess.ErrorMessage())
}

func TestClientSuccessKeepsErrorSlot(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")
	sess.SetError("Error: earlier")

	_, err := c.MyRooms(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Error: earlier", sess.ErrorMessage())
}

func TestClientTransportError(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.Close()

	_, err := c.MyRooms(context.Background())
	require.True(t, parley.IsConnectionError(err))
	require.True(t, strings.HasPrefix(sess.ErrorMessage(), "Connection error: "), sess.ErrorMessage())
}

// The replay after refresh re-sends writes. If the first attempt was applied
// before the 401 was produced, the server ends up with two copies.
func TestClientReplayDuplicatesAppliedWrite(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	roomID := srv.AddRoom("general", "alice")
	signIn(t, srv, sess, "alice")
	srv.FailNext("POST /messages/room", testserver.Fault{Status: http.StatusUnauthorized, Apply: true})

	msg, err := c.CreateMessage(context.Background(), parley.ID(strconv.Itoa(roomID)), "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Content)
	require.Equal(t, 1, srv.Hits("POST /auth/refresh"))
	require.Equal(t, 2, srv.MessageCount(roomID))
}

func TestClientUploadAvatar(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")

	u, err := c.UploadAvatar(context.Background(), File{
		Filename:    "me.png",
		ContentType: "image/png",
		Data:        []byte{0x89, 'P', 'N', 'G'},
	})
	require.NoError(t, err)
	require.Equal(t, "/static/avatars/me.png", u.AvatarURL)
}

func TestClientDirectRoomIsIdempotent(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	srv.AddUser("bob", "secret2")
	signIn(t, srv, sess, "alice")

	r1, err := c.DirectRoom(context.Background(), "bob")
	require.NoError(t, err)
	r2, err := c.DirectRoom(context.Background(), "bob")
	require.NoError(t, err)
	require.Equal(t, r1.ID, r2.ID)
	require.Equal(t, "dm_alice_bob", r1.Name)
}

func TestClientRequestBuildErrorIsSerialization(t *testing.T) {
	srv, sess, c := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")

	_, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/rooms/",
		Body:   map[string]any{"name": make(chan int)},
	})
	require.Equal(t, parley.ErrorSerialization, parley.CodeOf(err))
	require.False(t, parley.IsConnectionError(err))
	require.True(t, strings.HasPrefix(sess.ErrorMessage(), "Unexpected error: "), sess.ErrorMessage())
	require.Zero(t, srv.Hits("POST /rooms/"))
}

func TestClientTimeout(t *testing.T) {
	srv, sess, _ := newTestClient(t)
	srv.AddUser("alice", "secret1")
	signIn(t, srv, sess, "alice")
	cfg := parley.DefaultConfig()
	cfg.APIURL = srv.URL
	cfg.RequestTimeout = 50 * time.Millisecond
	c := NewClient(cfg, sess)

	srv.FailNext("GET /rooms/mine", testserver.Fault{Delay: time.Second})
	_, err := c.MyRooms(context.Background())
	require.Equal(t, parley.ErrorTimeout, parley.CodeOf(err))
	require.True(t, parley.IsConnectionError(err))
	require.True(t, strings.HasPrefix(sess.ErrorMessage(), "Connection error: "), sess.ErrorMessage())

	srv.FailNext("GET /rooms/mine", testserver.Fault{Delay: 10 * time.Millisecond})
	_, err = c.MyRooms(context.Background())
	require.NoError(t, err)
}

func TestErrorDetail(t *testing.T) {
	require.Equal(t, "plain", errorDetail([]byte("plain")))
	require.Equal(t, "x", errorDetail([]byte(`{"detail":"x"}`)))
	require.Equal(t, `[{"msg":"field required"}]`, errorDetail([]byte(`{"detail":[{"msg":"field required"}]}`)))
	require.Equal(t, `{"other":1}`, errorDetail([]byte(`{"other":1}`)))
}
