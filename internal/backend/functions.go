package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Edge function names.
const (
	FunctionIssueDeviceJWT      = "issue-device-jwt"
	FunctionIssueDeviceJWTDebug = "issue-device-jwt-debug"
	FunctionUploadToyPhoto      = "upload-toy-photo"
)

// InvokeFunction POSTs in as JSON to the named edge function and decodes
// the response into out.
func (c *Client) InvokeFunction(ctx context.Context, name string, in, out any) error {
	body, err := jsonBody(in)
	if err != nil {
		return err
	}
	return c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/functions/v1/" + url.PathEscape(name),
		body:        body,
		contentType: "application/json",
	}, out)
}

// FunctionTokenIssuer issues device tokens through an edge function.
type FunctionTokenIssuer struct {
	Client   *Client
	Function string
}

type issueRequest struct {
	DeviceID string `json:"device_id"`
	Quick    bool   `json:"quick"`
}

type issueResponse struct {
	Token string `json:"token"`
	JWT   string `json:"jwt"`
	Error string `json:"error"`
}

// IssueDeviceToken asks the function for a token scoped to deviceID. The
// function may answer with either a token or a jwt field.
func (f FunctionTokenIssuer) IssueDeviceToken(ctx context.Context, deviceID string) (string, error) {
	name := f.Function
	if name == "" {
		name = FunctionIssueDeviceJWT
	}
	var resp issueResponse
	if err := f.Client.InvokeFunction(ctx, name, issueRequest{DeviceID: deviceID, Quick: true}, &resp); err != nil {
		return "", err
	}
	if resp.Token != "" {
		return resp.Token, nil
	}
	if resp.JWT != "" {
		return resp.JWT, nil
	}
	if resp.Error != "" {
		return "", fmt.Errorf("backend: %s: %s", name, resp.Error)
	}
	return "", nil
}
