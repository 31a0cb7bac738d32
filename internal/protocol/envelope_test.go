package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	b, err := Marshal(KindJoinRoom, JoinRoom{RoomID: "r1", Password: "pw"})
	require.NoError(t, err)

	env, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, KindJoinRoom, env.Type)

	var jr JoinRoom
	require.NoError(t, env.Decode(&jr))
	assert.Equal(t, "r1", string(jr.RoomID))
	assert.Equal(t, "pw", jr.Password)
}

func TestMarshalNilPayload(t *testing.T) {
	b, err := Marshal(KindHeartbeat, nil)
	require.NoError(t, err)

	env, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, env.Type)
	assert.Empty(t, env.Data)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not json"))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"data":{}}`))
	assert.Error(t, err, "envelope without a type is invalid")
}
