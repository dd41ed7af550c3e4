package reflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// runRest assembles an HTTP request from the node's input ports
// according to their roles, executes it with retries, and maps the
// response onto the output ports.
func (n *NodeInstance) runRest(ctx context.Context, model *NodeMetamodel, inputs map[string]any) (map[string]any, error) {
	spec := model.Rest
	client := n.deps.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, n.deps.Timeouts.Rest)
	defer cancel()

	endpoint := spec.ServiceURI
	for _, port := range model.InputPorts.ByRole(RoleRequestPathVariable) {
		if v, ok := inputs[port.Key]; ok {
			endpoint = strings.ReplaceAll(endpoint, "{"+port.Key+"}", url.PathEscape(stringify(v)))
		}
	}

	query := url.Values{}
	for _, port := range model.InputPorts.ByRole(RoleRequestQueryVar) {
		if v, ok := inputs[port.Key]; ok {
			query.Set(port.Key, stringify(v))
		}
	}

	// Body fields compose into a JSON object; dotted port keys nest.
	var body io.Reader
	bodyFields := model.InputPorts.ByRole(RoleRequestBodyField)
	if len(bodyFields) > 0 {
		tree := map[string]any{}
		for _, port := range bodyFields {
			if v, ok := inputs[port.Key]; ok {
				segments := strings.Split(port.Key, ".")
				tree = putInMap(tree, segments, v)
			}
		}
		data, err := json.Marshal(tree)
		if err != nil {
			return nil, WrapError(CodeEffectorPermanent, err, "node %s: encoding request body", model.ID)
		}
		body = bytes.NewReader(data)
	}

	var status int
	var respBody []byte
	err := retryTransient(ctx, func() error {
		var reqBody io.Reader
		if body != nil {
			if seeker, ok := body.(io.Seeker); ok {
				_, _ = seeker.Seek(0, io.SeekStart)
			}
			reqBody = body
		}
		req, err := http.NewRequestWithContext(ctx, spec.Method, endpoint, reqBody)
		if err != nil {
			return WrapError(CodeEffectorPermanent, err, "building request")
		}
		if len(query) > 0 {
			req.URL.RawQuery = query.Encode()
		}
		for k, v := range spec.Headers {
			req.Header.Set(k, v)
		}
		for _, port := range model.InputPorts.ByRole(RoleRequestHeader) {
			if v, ok := inputs[port.Key]; ok {
				req.Header.Set(port.Key, stringify(v))
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return classifyContextErr(ctx.Err())
			}
			return WrapError(CodeEffectorTransient, err, "request failed")
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return WrapError(CodeEffectorTransient, err, "reading response body")
		}
		if status >= 500 || status == http.StatusTooManyRequests {
			return Errorf(CodeEffectorTransient, "upstream returned %d", status)
		}
		if status >= 400 {
			return Errorf(CodeEffectorPermanent, "upstream returned %d", status)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, WrapError(CodeEffectorTimeout, err, "node %s: request timed out", model.ID)
		}
		return nil, err
	}

	outputs := map[string]any{}
	if statusPort, ok := firstPortByRole(model.OutputPorts, RoleResponseStatus); ok {
		outputs[statusPort.Key] = status
	}

	bodyPorts := model.OutputPorts.ByRole(RoleResponseBodyField)
	if len(bodyPorts) > 0 && len(respBody) > 0 {
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return nil, WrapError(CodeEffectorPermanent, err, "node %s: decoding response body", model.ID)
		}
		for _, port := range bodyPorts {
			if v, ok := lookupBodyField(decoded, port.Key); ok {
				outputs[port.Key] = v
			}
		}
	}
	return outputs, nil
}

// lookupBodyField reads a dotted path out of a decoded JSON value.
func lookupBodyField(body any, path string) (any, bool) {
	current := body
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, ok := listIndex(segment)
			if !ok || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
