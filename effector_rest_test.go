package reflow

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// scriptedHTTP replays canned responses and records every request.
type scriptedHTTP struct {
	mu        sync.Mutex
	responses []*http.Response
	requests  []*http.Request
	bodies    []string
}

func (c *scriptedHTTP) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	body := ""
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		body = string(data)
	}
	c.bodies = append(c.bodies, body)
	if len(c.responses) == 0 {
		return nil, Errorf(CodeEffectorPermanent, "scripted http exhausted")
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	return resp, nil
}

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{},
	}
}

func restInstance(t *testing.T, model *NodeMetamodel, client HTTPDoer) *NodeInstance {
	t.Helper()
	instance, err := NewNodeInstance(model, EffectorDeps{HTTPClient: client})
	require.NoError(t, err)
	return instance
}

func getModel() *NodeMetamodel {
	return &NodeMetamodel{
		ID: "rest-1", Name: "fetch-item", Kind: NodeKindRest, Enabled: true,
		Rest: &RestSpec{
			ServiceURI: "https://api.example.com/items/{id}",
			Method:     http.MethodGet,
			Headers:    map[string]string{"Accept": "application/json"},
		},
		InputPorts: PortSet{
			{Key: "id", Kind: PortKindRest, Role: RoleRequestPathVariable, Schema: SchemaString()},
			{Key: "verbose", Kind: PortKindRest, Role: RoleRequestQueryVar, Schema: SchemaString()},
			{Key: "X-Token", Kind: PortKindRest, Role: RoleRequestHeader, Schema: SchemaString()},
		},
		OutputPorts: PortSet{
			{Key: "status", Kind: PortKindRest, Role: RoleResponseStatus, Schema: SchemaInt()},
			{Key: "item.name", Kind: PortKindRest, Role: RoleResponseBodyField, Schema: SchemaString()},
		},
	}
}

func TestRunRest_AssemblesRequest(t *testing.T) {
	client := &scriptedHTTP{responses: []*http.Response{
		httpResponse(200, `{"item": {"name": "widget", "stock": 3}}`),
	}}
	instance := restInstance(t, getModel(), client)

	outputs, _, err := instance.ExecuteWithInputs(context.Background(), map[string]any{
		"id":      "a/b 1",
		"verbose": "true",
		"X-Token": "secret",
	})
	require.NoError(t, err)
	require.Equal(t, 200, outputs["status"])
	require.Equal(t, "widget", outputs["item.name"])

	req := client.requests[0]
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "https://api.example.com/items/a%2Fb%201", req.URL.Scheme+"://"+req.URL.Host+req.URL.EscapedPath())
	require.Equal(t, "true", req.URL.Query().Get("verbose"))
	require.Equal(t, "secret", req.Header.Get("X-Token"))
	require.Equal(t, "application/json", req.Header.Get("Accept"))
}

func TestRunRest_BodyFieldsNest(t *testing.T) {
	model := &NodeMetamodel{
		ID: "rest-2", Name: "create-user", Kind: NodeKindRest, Enabled: true,
		Rest: &RestSpec{ServiceURI: "https://api.example.com/users", Method: http.MethodPost},
		InputPorts: PortSet{
			{Key: "user.name", Kind: PortKindRest, Role: RoleRequestBodyField, Schema: SchemaString()},
			{Key: "user.age", Kind: PortKindRest, Role: RoleRequestBodyField, Schema: SchemaInt()},
		},
		OutputPorts: PortSet{
			{Key: "status", Kind: PortKindRest, Role: RoleResponseStatus, Schema: SchemaInt()},
		},
	}
	client := &scriptedHTTP{responses: []*http.Response{httpResponse(201, `{}`)}}
	instance := restInstance(t, model, client)

	outputs, _, err := instance.ExecuteWithInputs(context.Background(), map[string]any{
		"user.name": "ada",
		"user.age":  42,
	})
	require.NoError(t, err)
	require.Equal(t, 201, outputs["status"])
	require.JSONEq(t, `{"user": {"name": "ada", "age": 42}}`, client.bodies[0])
	require.Equal(t, "application/json", client.requests[0].Header.Get("Content-Type"))
}

func TestRunRest_RetriesServerErrors(t *testing.T) {
	client := &scriptedHTTP{responses: []*http.Response{
		httpResponse(503, "unavailable"),
		httpResponse(200, `{"item": {"name": "widget"}}`),
	}}
	instance := restInstance(t, getModel(), client)

	outputs, _, err := instance.ExecuteWithInputs(context.Background(), map[string]any{"id": "1"})
	require.NoError(t, err)
	require.Equal(t, 200, outputs["status"])
	require.Len(t, client.requests, 2)
}

func TestRunRest_ClientErrorIsPermanent(t *testing.T) {
	client := &scriptedHTTP{responses: []*http.Response{httpResponse(404, "not found")}}
	instance := restInstance(t, getModel(), client)

	_, _, err := instance.ExecuteWithInputs(context.Background(), map[string]any{"id": "1"})
	require.Equal(t, CodeEffectorPermanent, CodeOf(err))
	require.Len(t, client.requests, 1)
}

func TestRunRest_UndecodableBody(t *testing.T) {
	client := &scriptedHTTP{responses: []*http.Response{httpResponse(200, "not json")}}
	instance := restInstance(t, getModel(), client)

	_, _, err := instance.ExecuteWithInputs(context.Background(), map[string]any{"id": "1"})
	require.Equal(t, CodeEffectorPermanent, CodeOf(err))
}

func TestLookupBodyField(t *testing.T) {
	body := map[string]any{
		"items": []any{
			map[string]any{"name": "first"},
			map[string]any{"name": "second"},
		},
	}
	if v, ok := lookupBodyField(body, "items.1.name"); !ok || v != "second" {
		t.Fatalf("lookup = %v, %v", v, ok)
	}
	if _, ok := lookupBodyField(body, "items.9.name"); ok {
		t.Fatal("out-of-range index should miss")
	}
	if _, ok := lookupBodyField(body, "missing.path"); ok {
		t.Fatal("absent path should miss")
	}
}
