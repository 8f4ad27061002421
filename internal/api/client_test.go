package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMe(t *testing.T) {
	t.Run("Should send the token as an ApiToken header", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			json.NewEncoder(w).Encode(UserInfo{ID: "u1", Username: "reporter"})
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "d2pat_secret"}, time.Second)
		user, err := client.Me(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ApiToken d2pat_secret", gotAuth)
		assert.Equal(t, "reporter", user.Username)
	})

	t.Run("Should fall back to basic auth without a token", func(t *testing.T) {
		var gotUser, gotPass string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUser, gotPass, _ = r.BasicAuth()
			json.NewEncoder(w).Encode(UserInfo{ID: "u1", Username: "admin"})
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Username: "admin", Password: "district"}, time.Second)
		_, err := client.Me(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "admin", gotUser)
		assert.Equal(t, "district", gotPass)
	})

	t.Run("Should return a remote error on auth failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "bad"}, time.Second)
		_, err := client.Me(context.Background())
		var remoteErr *RemoteError
		require.ErrorAs(t, err, &remoteErr)
		assert.Equal(t, http.StatusUnauthorized, remoteErr.Status)
		assert.False(t, remoteErr.Retryable())
	})

	t.Run("Should return a protocol error on a malformed body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html>maintenance</html>")
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		_, err := client.Me(context.Background())
		var protocolErr *ProtocolError
		assert.ErrorAs(t, err, &protocolErr)
	})
}

func TestFetchMetadata(t *testing.T) {
	t.Run("Should page through a collection", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			page := r.URL.Query().Get("page")
			if page == "1" {
				fmt.Fprint(w, `{"pager":{"page":1,"pageCount":2},"dataElements":[{"id":"de1"},{"id":"de2"}]}`)
				return
			}
			fmt.Fprint(w, `{"pager":{"page":2,"pageCount":2},"dataElements":[{"id":"de3"}]}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		client.SetPageSize(2)

		first, err := client.FetchMetadata(context.Background(), KindDataElements, 1)
		require.NoError(t, err)
		assert.Len(t, first.Items, 2)
		assert.True(t, first.HasMore)

		second, err := client.FetchMetadata(context.Background(), KindDataElements, 2)
		require.NoError(t, err)
		assert.Len(t, second.Items, 1)
		assert.False(t, second.HasMore)
	})

	t.Run("Should request the per-kind field selection", func(t *testing.T) {
		var gotFields string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotFields = r.URL.Query().Get("fields")
			fmt.Fprint(w, `{"organisationUnits":[]}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		_, err := client.FetchMetadata(context.Background(), KindOrganisationUnits, 1)
		require.NoError(t, err)
		assert.Equal(t, "id,displayName,level,parent[id]", gotFields)
	})

	t.Run("Should fail with a protocol error when the collection is missing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"pager":{"page":1,"pageCount":1}}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		_, err := client.FetchMetadata(context.Background(), KindDataSets, 1)
		var protocolErr *ProtocolError
		assert.ErrorAs(t, err, &protocolErr)
	})
}

func TestPostDataValueSet(t *testing.T) {
	payload := DataValueSetPayload{DataValues: []DataValue{
		{DataElement: "de1", Period: "202401", OrgUnit: "ou1", CategoryOptionCombo: "coc1", Value: "5"},
	}}

	t.Run("Should parse a flat import summary", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"status":"SUCCESS","importCount":{"imported":1}}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		summary, err := client.PostDataValueSet(context.Background(), payload, false)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.ImportCount.Imported)
	})

	t.Run("Should unwrap the enveloped summary shape", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"response":{"status":"SUCCESS","importCount":{"updated":1}}}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		summary, err := client.PostDataValueSet(context.Background(), payload, false)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.ImportCount.Updated)
	})

	t.Run("Should pass the dryRun flag", func(t *testing.T) {
		var gotDryRun string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotDryRun = r.URL.Query().Get("dryRun")
			fmt.Fprint(w, `{"status":"SUCCESS","importCount":{}}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		_, err := client.PostDataValueSet(context.Background(), payload, true)
		require.NoError(t, err)
		assert.Equal(t, "true", gotDryRun)
	})

	t.Run("Should tolerate a conflict consisting only of future period rejections", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"response":{"status":"WARNING","importCount":{"ignored":1},"conflicts":[{"object":"de1","value":"period in the future","errorCode":"E7641"}]}}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		summary, err := client.PostDataValueSet(context.Background(), payload, false)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.ImportCount.Ignored)
		assert.Len(t, summary.Conflicts, 1)
	})

	t.Run("Should fail on conflicts other than future periods", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"response":{"status":"ERROR","importCount":{},"conflicts":[{"object":"de1","value":"unknown data element","errorCode":"E7610"}]}}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, time.Second)
		_, err := client.PostDataValueSet(context.Background(), payload, false)
		var remoteErr *RemoteError
		require.ErrorAs(t, err, &remoteErr)
		assert.Equal(t, http.StatusConflict, remoteErr.Status)
	})

	t.Run("Should retry server errors until success", func(t *testing.T) {
		attempts := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts++
			if attempts < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			fmt.Fprint(w, `{"status":"SUCCESS","importCount":{"imported":1}}`)
		}))
		defer server.Close()

		client := NewClient(server.URL, Credentials{Token: "x"}, 5*time.Second)
		summary, err := client.PostDataValueSet(context.Background(), payload, false)
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
		assert.Equal(t, 1, summary.ImportCount.Imported)
	})
}
