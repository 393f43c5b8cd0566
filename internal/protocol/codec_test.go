package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"codeground/internal/merr"
)

func TestEncodeDecode_Joined(t *testing.T) {
	req := require.New(t)

	// Given a joined event for alice
	data, err := Encode(EventJoined, JoinedPayload{
		Clients:  []Client{{Username: "alice", SocketID: "c-1"}},
		Username: "alice",
		SocketID: "c-1",
	})
	req.NoError(err)
	req.JSONEq(`{"type":"joined","payload":{"clients":[{"username":"alice","socketId":"c-1"}],"username":"alice","socketId":"c-1"}}`, string(data))

	// When it is decoded back
	env, err := Decode(data)
	req.NoError(err)
	req.Equal(EventJoined, env.Type)

	var joined JoinedPayload
	req.NoError(env.Bind(&joined))
	req.Equal("c-1", joined.SocketID)
	req.Len(joined.Clients, 1)
}

func TestDecode_WireNames(t *testing.T) {
	req := require.New(t)

	env, err := Decode([]byte(`{"type":"join","payload":{"id":"abc","user":{"username":"bob"}}}`))
	req.NoError(err)

	var join JoinPayload
	req.NoError(env.Bind(&join))
	req.Equal("abc", join.ID)
	req.Equal("bob", join.User.Username)

	env, err = Decode([]byte(`{"type":"syncCode","payload":{"code":"print(1)","socketId":"c-2"}}`))
	req.NoError(err)
	var sync SyncCodePayload
	req.NoError(env.Bind(&sync))
	req.Equal("print(1)", sync.Code)
}

func TestDecode_Malformed(t *testing.T) {
	req := require.New(t)

	_, err := Decode([]byte(`not json`))
	req.ErrorIs(err, merr.ErrMalformedMessage)

	_, err = Decode([]byte(`{"payload":{}}`))
	req.ErrorIs(err, merr.ErrMalformedMessage)

	env, err := Decode([]byte(`{"type":"syncCode","payload":{"code":"x"}}`))
	req.NoError(err)
	var sync SyncCodePayload
	req.ErrorIs(env.Bind(&sync), merr.ErrMalformedMessage)

	env, err = Decode([]byte(`{"type":"codeChange"}`))
	req.NoError(err)
	var change CodeChangePayload
	req.ErrorIs(env.Bind(&change), merr.ErrMalformedMessage)
}

func TestValidateUsername(t *testing.T) {
	req := require.New(t)

	req.NoError(ValidateUsername("alice"))
	req.ErrorIs(ValidateUsername(""), merr.ErrInvalidUsername)
	req.ErrorIs(ValidateUsername("   "), merr.ErrInvalidUsername)
	req.Equal(merr.CodeInvalidUsername, merr.Code(ValidateUsername("")))
}
