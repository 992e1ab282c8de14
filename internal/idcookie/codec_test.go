package idcookie

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleModel(index int, srid int64) Model {
	return Model{
		Index:             index,
		Name:              CookieName(index),
		StudyResultID:     srid,
		WorkerID:          7,
		WorkerType:        "GeneralSingle",
		BatchID:           2,
		StudyID:           1,
		ComponentID:       12,
		ComponentResultID: 93,
		ComponentPosition: 2,
		StudyAssets:       "stroop task",
		URLBasePath:       "/",
		RunKind:           RunFullStudy,
		CreationTime:      1700000000000 + srid,
	}
}

type countingMetrics struct{ malformed int }

func (m *countingMetrics) MalformedCookie() { m.malformed++ }

// TestEncodeDecode tests that decoding an encoded model yields the model
func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		model Model
	}{
		{name: "all fields", model: sampleModel(3, 41)},
		{name: "optional fields absent", model: func() Model {
			m := sampleModel(0, 5)
			m.ComponentID, m.ComponentResultID, m.ComponentPosition = 0, 0, 0
			m.RunKind = RunNone
			return m
		}()},
		{name: "group member", model: func() Model {
			m := sampleModel(9, 6)
			m.GroupResultID = 77
			m.URLBasePath = "/jatos/"
			return m
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := Encode(tt.model)
			got, err := Decode(tt.model.Name, value)
			require.NoError(t, err)
			assert.Equal(t, tt.model, got)
			assert.Equal(t, value, Encode(got), "encoding is deterministic")
		})
	}
}

// TestEncodeNullOptionals tests the wire form of absent ids
func TestEncodeNullOptionals(t *testing.T) {
	m := sampleModel(0, 5)
	m.ComponentID = 0
	value := Encode(m)
	assert.Contains(t, value, "groupResultId=null")
	assert.Contains(t, value, "componentId=null")
	assert.True(t, strings.HasPrefix(value, "version=1&"))
}

// TestDecodeMalformed tests rejection of structurally invalid cookies
func TestDecodeMalformed(t *testing.T) {
	valid := Encode(sampleModel(1, 10))
	tests := []struct {
		name  string
		cname string
		value string
	}{
		{"no index in name", "JATOS_IDS_x", valid},
		{"pair with two separators", "JATOS_IDS_1", valid + "&studyId=1=2"},
		{"unparsable number", "JATOS_IDS_1", strings.Replace(valid, "batchId=2", "batchId=two", 1)},
		{"missing required field", "JATOS_IDS_1", strings.Replace(valid, "&studyResultId=10", "", 1)},
		{"empty study assets", "JATOS_IDS_1", strings.Replace(valid, "studyAssets=stroop+task", "studyAssets=", 1)},
		{"unknown version", "JATOS_IDS_1", strings.Replace(valid, "version=1", "version=2", 1)},
		{"duplicate key", "JATOS_IDS_1", valid + "&workerId=8"},
		{"garbage", "JATOS_IDS_1", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.cname, tt.value)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// TestDecodeWithoutVersion tests that unversioned cookies decode as version 1
func TestDecodeWithoutVersion(t *testing.T) {
	m := sampleModel(4, 12)
	value := strings.TrimPrefix(Encode(m), "version=1&")
	got, err := Decode(m.Name, value)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

// TestDecodeUnknownRunKind tests that an unknown run kind decodes as none
func TestDecodeUnknownRunKind(t *testing.T) {
	m := sampleModel(4, 12)
	value := strings.Replace(Encode(m), "runKind=FULL_STUDY_RUN", "runKind=BOGUS", 1)
	got, err := Decode(m.Name, value)
	require.NoError(t, err)
	assert.Equal(t, RunNone, got.RunKind)
}

// TestParse tests building a collection from request cookies
func TestParse(t *testing.T) {
	var logs bytes.Buffer
	metrics := &countingMetrics{}
	codec := NewCodec("/", slog.New(slog.NewTextHandler(&logs, nil)), metrics)

	a, b := sampleModel(0, 1), sampleModel(1, 2)
	cookies := []*http.Cookie{
		{Name: a.Name, Value: Encode(a)},
		{Name: "session", Value: "unrelated"},
		{Name: "JATOS_IDS_5", Value: "broken=1=2"},
		{Name: "jatos_ids_1", Value: Encode(b)},
	}

	coll, err := codec.Parse(cookies)
	require.NoError(t, err)
	assert.Equal(t, 2, coll.Len())
	assert.True(t, coll.Contains(1))
	assert.True(t, coll.Contains(2))
	assert.Equal(t, 1, metrics.malformed)
	assert.Contains(t, logs.String(), "JATOS_IDS_5")
}

// TestParseDuplicate tests that the first cookie of a study result wins
func TestParseDuplicate(t *testing.T) {
	codec := NewCodec("/", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), nil)
	first, second := sampleModel(0, 1), sampleModel(1, 1)
	second.WorkerID = 99

	coll, err := codec.Parse([]*http.Cookie{
		{Name: first.Name, Value: Encode(first)},
		{Name: second.Name, Value: Encode(second)},
	})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	require.NotNil(t, coll)
	got, ok := coll.Get(1)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.WorkerID)
}

// TestParseTakenIndex tests that a cookie claiming an occupied slot is dropped
func TestParseTakenIndex(t *testing.T) {
	metrics := &countingMetrics{}
	codec := NewCodec("/", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), metrics)
	a, b := sampleModel(2, 1), sampleModel(2, 2)
	b.Name = "JATOS_IDS_12"

	coll, err := codec.Parse([]*http.Cookie{
		{Name: a.Name, Value: Encode(a)},
		{Name: b.Name, Value: Encode(b)},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, coll.StudyResultIDs())
	assert.Equal(t, 1, metrics.malformed)
}

// TestCookies tests the response cookies rendered from a collection
func TestCookies(t *testing.T) {
	codec := NewCodec("/base/", nil, nil)
	coll := NewCollection()
	require.NoError(t, coll.Put(sampleModel(0, 1)))
	require.NoError(t, coll.Put(sampleModel(1, 2)))
	coll.Remove(1)

	cookies := codec.Cookies(coll)
	require.Len(t, cookies, 2)

	kept := cookies[0]
	assert.Equal(t, "JATOS_IDS_1", kept.Name)
	assert.Equal(t, "/base/", kept.Path)
	assert.Equal(t, 10000*24*60*60, kept.MaxAge)
	assert.False(t, kept.HttpOnly)
	assert.False(t, kept.Secure)

	expired := cookies[1]
	assert.Equal(t, "JATOS_IDS_0", expired.Name)
	assert.Equal(t, -1, expired.MaxAge)
}

// TestMiddleware tests cookie parsing and rewriting around a handler
func TestMiddleware(t *testing.T) {
	codec := NewCodec("/", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), nil)
	svc := NewService("/", nil)
	existing := sampleModel(0, 1)

	handler := codec.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		coll, ok := FromContext(r.Context())
		require.True(t, ok)
		require.True(t, coll.Contains(1))
		svc.Discard(coll, 1)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/publix/1/end", nil)
	req.AddCookie(&http.Cookie{Name: existing.Name, Value: Encode(existing)})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	res := rec.Result()
	require.Len(t, res.Cookies(), 1)
	assert.Equal(t, "JATOS_IDS_0", res.Cookies()[0].Name)
	assert.Equal(t, -1, res.Cookies()[0].MaxAge)
}

// TestMiddlewareDuplicate tests that duplicate cookies fail the request
func TestMiddlewareDuplicate(t *testing.T) {
	codec := NewCodec("/", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), nil)
	called := false
	handler := codec.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	a, b := sampleModel(0, 1), sampleModel(1, 1)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: a.Name, Value: Encode(a)})
	req.AddCookie(&http.Cookie{Name: b.Name, Value: Encode(b)})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, called)
}
