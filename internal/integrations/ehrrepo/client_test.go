package ehrrepo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"ehr-out-service/internal/integrations/httperr"
)

type fakeGetter struct {
	value string
	err   error
	calls atomic.Int32
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return f.value, nil
}

func TestNewClientValidation(t *testing.T) {
	getter := &fakeGetter{value: "key"}

	_, err := NewClient(nil, "/prefix", "http://repo")
	require.Error(t, err)
	_, err = NewClient(getter, " ", "http://repo")
	require.Error(t, err)
	_, err = NewClient(getter, "/prefix", "")
	require.Error(t, err)
}

func TestGetCoreDocument(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{
			"coreMessageId": "MID-CORE",
			"fragmentMessageIds": ["MID-F1", "MID-F2"],
			"payload": "<core/>"
		}`))
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "secret-key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	doc, err := client.GetCoreDocument(context.Background(), "IC1")
	require.NoError(t, err)
	require.Equal(t, "/messages/IC1", gotPath)
	require.Equal(t, "secret-key", gotAuth)
	require.Equal(t, "MID-CORE", doc.CoreMessageID)
	require.Equal(t, []string{"MID-F1", "MID-F2"}, doc.FragmentMessageIDs)
	require.Equal(t, "<core/>", doc.Payload)
}

func TestGetCoreDocumentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such record", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	_, err = client.GetCoreDocument(context.Background(), "IC1")
	require.Error(t, err)

	var statusErr *httperr.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.HTTPStatusCode())
}

func TestGetCoreDocumentRejectsMissingMessageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"payload": "<core/>"}`))
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	_, err = client.GetCoreDocument(context.Background(), "IC1")
	require.Error(t, err)
}

func TestGetFragmentDocument(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"payload": "<fragment/>"}`))
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	doc, err := client.GetFragmentDocument(context.Background(), "IC1", "MID-F1")
	require.NoError(t, err)
	require.Equal(t, "/messages/IC1/fragments/MID-F1", gotPath)
	require.Equal(t, "<fragment/>", doc.Payload)
}

func TestDeletePatientRecord(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	require.NoError(t, client.DeletePatientRecord(context.Background(), "IC1"))
	require.Equal(t, http.MethodDelete, gotMethod)
	require.Equal(t, "/patient-records/IC1", gotPath)
}

func TestAuthKeyIsResolvedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"coreMessageId": "MID-CORE", "payload": ""}`))
	}))
	defer srv.Close()

	getter := &fakeGetter{value: "key"}
	client, err := NewClient(getter, "/prefix", srv.URL)
	require.NoError(t, err)

	_, err = client.GetCoreDocument(context.Background(), "IC1")
	require.NoError(t, err)
	_, err = client.GetCoreDocument(context.Background(), "IC2")
	require.NoError(t, err)
	require.Equal(t, int32(1), getter.calls.Load())
}

func TestAuthKeyFailure(t *testing.T) {
	client, err := NewClient(&fakeGetter{err: errors.New("ssm unavailable")}, "/prefix", "http://repo")
	require.NoError(t, err)

	_, err = client.GetCoreDocument(context.Background(), "IC1")
	require.Error(t, err)
}

func TestEmptyAuthKeyIsRejected(t *testing.T) {
	client, err := NewClient(&fakeGetter{value: "  "}, "/prefix", "http://repo")
	require.NoError(t, err)

	_, err = client.GetCoreDocument(context.Background(), "IC1")
	require.Error(t, err)
}
