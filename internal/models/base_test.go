package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewULID(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())
	assert.NotEqual(t, id, NewULID())
	assert.WithinDuration(t, time.Now(), id.Time(), time.Second)
}

func TestParseULID(t *testing.T) {
	original := NewULID()
	parsed, err := ParseULID(original.String())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
	assert.Len(t, original.String(), 26)

	_, err = ParseULID("not-a-valid-ulid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid ULID")

	_, err = ParseULID("")
	assert.Error(t, err)
}

func TestULID_Value(t *testing.T) {
	var zero ULID
	val, err := zero.Value()
	require.NoError(t, err)
	assert.Nil(t, val)

	id := NewULID()
	val, err = id.Value()
	require.NoError(t, err)
	assert.Equal(t, id.String(), val)
}

func TestULID_Scan(t *testing.T) {
	validID := NewULID()
	validStr := validID.String()

	tests := []struct {
		name      string
		input     any
		expected  ULID
		expectErr bool
	}{
		{"nil sets zero", nil, ULID{}, false},
		{"valid string", validStr, validID, false},
		{"empty string sets zero", "", ULID{}, false},
		{"valid []byte", []byte(validStr), validID, false},
		{"invalid string", "bad-ulid", ULID{}, true},
		{"unsupported type", 12345, ULID{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u ULID
			err := u.Scan(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, u)
		})
	}
}

func TestULID_JSON(t *testing.T) {
	type wrapper struct {
		ID ULID `json:"id"`
	}

	original := wrapper{ID: NewULID()}
	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"`+original.ID.String()+`"}`, string(data))

	var decoded wrapper
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.ID, decoded.ID)

	var empty wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"id":""}`), &empty))
	assert.True(t, empty.ID.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"id":"not-a-ulid"}`), &empty))
}

func TestBaseModel_BeforeCreate(t *testing.T) {
	m := &BaseModel{}
	require.NoError(t, m.BeforeCreate(nil))
	assert.False(t, m.ID.IsZero())

	existing := NewULID()
	m = &BaseModel{ID: existing}
	require.NoError(t, m.BeforeCreate(nil))
	assert.Equal(t, existing, m.ID)
}

func TestClip_Validate(t *testing.T) {
	tests := []struct {
		name    string
		clip    Clip
		wantErr string
	}{
		{"valid mp4", Clip{Path: "clips/clip_1.mp4", Container: ClipContainerMP4}, ""},
		{"valid ts", Clip{Path: "clips/clip_1.ts", Container: ClipContainerTS, SizeBytes: 10}, ""},
		{"missing path", Clip{Container: ClipContainerMP4}, "path"},
		{"unknown container", Clip{Path: "x.mkv", Container: "mkv"}, "container"},
		{"negative size", Clip{Path: "x.ts", Container: ClipContainerTS, SizeBytes: -1}, "size_bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.clip.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr ErrValidation
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}

func TestClip_Helpers(t *testing.T) {
	c := Clip{Path: "/var/lib/replayd/clips/clip_1700000000.mp4", DurationMS: 1500}
	assert.Equal(t, "clip_1700000000.mp4", c.FileName())
	assert.Equal(t, 1500*time.Millisecond, c.Duration())
	assert.Equal(t, "clips", c.TableName())
}
