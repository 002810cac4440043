package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/systemshift/pagesync/internal/dag"
)

// KuboClient is an HTTP client for the Kubo (IPFS) daemon RPC API. Failures
// are marked with the dag status sentinels.
type KuboClient struct {
	apiURL string
	client *http.Client
	token  string
}

// KeyInfo is a key in the Kubo keystore.
type KeyInfo struct {
	Name string `json:"Name"`
	ID   string `json:"Id"`
}

// NewKuboClient creates a client for the Kubo API at apiURL, for example
// http://127.0.0.1:5001/api/v0.
func NewKuboClient(apiURL string) *KuboClient {
	return &KuboClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: time.Minute},
	}
}

// WithToken returns a copy of the client sending token as a bearer
// credential, for daemons behind an authenticating proxy.
func (k *KuboClient) WithToken(token string) *KuboClient {
	c := *k
	c.token = token
	return &c
}

// call posts to the RPC endpoint and returns the body of a 200 response.
// The caller closes it.
func (k *KuboClient) call(ctx context.Context, endpoint string, args url.Values, body io.Reader, contentType string) (io.ReadCloser, error) {
	u := k.apiURL + "/" + endpoint
	if len(args) > 0 {
		u += "?" + args.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "ipfs %s", endpoint), dag.ErrInternal)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if k.token != "" {
		req.Header.Set("Authorization", "Bearer "+k.token)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Mark(errors.Wrapf(err, "ipfs %s", endpoint), dag.ErrNetwork)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = errors.Newf("ipfs %s: status %d: %s", endpoint, resp.StatusCode, bytes.TrimSpace(msg))
	return nil, errors.Mark(err, statusError(resp.StatusCode, string(msg)))
}

// statusError maps a Kubo HTTP status to a dag sentinel. Kubo reports
// missing names and blocks as 500 with a message, so the text is checked
// too.
func statusError(code int, msg string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return dag.ErrAuthentication
	case code == http.StatusNotFound,
		strings.Contains(msg, "could not resolve"),
		strings.Contains(msg, "not found"):
		return dag.ErrNotFound
	case code >= 500 || code == http.StatusTooManyRequests:
		return dag.ErrNetwork
	default:
		return dag.ErrInternal
	}
}

// decode reads a JSON response into v.
func decode(endpoint string, body io.ReadCloser, v any) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.Mark(errors.Wrapf(err, "ipfs %s: parse response", endpoint), dag.ErrNetwork)
	}
	return nil
}

// Add stores content as a CIDv1 raw-leaf file and returns its CID.
func (k *KuboClient) Add(ctx context.Context, content []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "data")
	if err != nil {
		return "", errors.Wrap(err, "create form file")
	}
	if _, err := part.Write(content); err != nil {
		return "", errors.Wrap(err, "write form data")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "close form")
	}

	args := url.Values{"cid-version": {"1"}, "raw-leaves": {"true"}, "pin": {"true"}}
	body, err := k.call(ctx, "add", args, &buf, w.FormDataContentType())
	if err != nil {
		return "", err
	}
	var result struct {
		Hash string `json:"Hash"`
	}
	if err := decode("add", body, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}

// Cat streams content by CID.
func (k *KuboClient) Cat(ctx context.Context, cid string) (io.ReadCloser, error) {
	return k.call(ctx, "cat", url.Values{"arg": {cid}}, nil, "")
}

// CatBytes reads content by CID fully.
func (k *KuboClient) CatBytes(ctx context.Context, cid string) ([]byte, error) {
	body, err := k.Cat(ctx, cid)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "ipfs cat %s", cid), dag.ErrNetwork)
	}
	return data, nil
}

// Pin protects content from garbage collection.
func (k *KuboClient) Pin(ctx context.Context, cid string) error {
	body, err := k.call(ctx, "pin/add", url.Values{"arg": {cid}}, nil, "")
	if err != nil {
		return err
	}
	return body.Close()
}

// KeyList lists the keystore.
func (k *KuboClient) KeyList(ctx context.Context) ([]KeyInfo, error) {
	body, err := k.call(ctx, "key/list", nil, nil, "")
	if err != nil {
		return nil, err
	}
	var result struct {
		Keys []KeyInfo `json:"Keys"`
	}
	if err := decode("key/list", body, &result); err != nil {
		return nil, err
	}
	return result.Keys, nil
}

// KeyGen creates an ed25519 key named name.
func (k *KuboClient) KeyGen(ctx context.Context, name string) (KeyInfo, error) {
	body, err := k.call(ctx, "key/gen", url.Values{"arg": {name}, "type": {"ed25519"}}, nil, "")
	if err != nil {
		return KeyInfo{}, err
	}
	var info KeyInfo
	err = decode("key/gen", body, &info)
	return info, err
}

// NamePublish points the IPNS name of keyName at cid.
func (k *KuboClient) NamePublish(ctx context.Context, cid, keyName string) error {
	args := url.Values{"arg": {"/ipfs/" + cid}, "key": {keyName}, "allow-offline": {"true"}}
	body, err := k.call(ctx, "name/publish", args, nil, "")
	if err != nil {
		return err
	}
	return body.Close()
}

// NameResolve resolves an IPNS name to a CID, without the /ipfs/ prefix.
func (k *KuboClient) NameResolve(ctx context.Context, name string) (string, error) {
	body, err := k.call(ctx, "name/resolve", url.Values{"arg": {name}, "nocache": {"true"}}, nil, "")
	if err != nil {
		return "", err
	}
	var result struct {
		Path string `json:"Path"`
	}
	if err := decode("name/resolve", body, &result); err != nil {
		return "", err
	}
	return strings.TrimPrefix(result.Path, "/ipfs/"), nil
}
