package pds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	value string
	err   error
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	return f.value, f.err
}

func TestGetPatientOdsCode(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data": {"odsCode": "A12345"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "secret-key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	odsCode, err := client.GetPatientOdsCode(context.Background(), "9000000001")
	require.NoError(t, err)
	require.Equal(t, "A12345", odsCode)
	require.Equal(t, "/patient-demographics/9000000001", gotPath)
	require.Equal(t, "secret-key", gotAuth)
}

func TestGetPatientOdsCodeRejectsEmptyCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {}}`))
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	_, err = client.GetPatientOdsCode(context.Background(), "9000000001")
	require.Error(t, err)
}

func TestGetPatientOdsCodeUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(&fakeGetter{value: "key"}, "/prefix", srv.URL)
	require.NoError(t, err)

	_, err = client.GetPatientOdsCode(context.Background(), "9000000001")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}
