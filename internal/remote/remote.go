// Package remote implements the wire client spoken to a peer tangramd
// server: the tag lookup protocol and the object push. It is the
// concrete collaborator behind internal/tagcache's Remote interface,
// and the thing internal/frontend's push endpoint calls out through.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tangramdotdev/tangram/internal/backoff"
	"github.com/tangramdotdev/tangram/internal/object"
	"github.com/tangramdotdev/tangram/internal/sock"
	"github.com/tangramdotdev/tangram/internal/store"
	"github.com/tangramdotdev/tangram/internal/tagcache"
	"github.com/tangramdotdev/tangram/internal/terror"
)

// Client speaks the HTTP wire protocol to one named peer.
// It satisfies tagcache.Remote and additionally exposes the object and
// push operations a Pusher needs.
type Client struct {
	name     string
	baseURL  string
	token    string
	cacheTTL int64
	http     *http.Client
	retry    backoff.RetryPolicy
}

// New constructs a Client. baseURL may be an ordinary http(s):// URL or
// a sock.EncodeURL http+unix:// URL, in which case requests are dialed
// over the named UNIX socket instead of TCP.
func New(name, baseURL, token string, cacheTTL int64) *Client {
	httpClient := http.DefaultClient
	resolved := strings.TrimSuffix(baseURL, "/")
	if sock.IsUnixURL(baseURL) {
		socketPath, _, err := sock.DecodeURL(baseURL)
		if err == nil {
			httpClient = sock.NewClient(socketPath).HTTP
			// The transport ignores the host of every request it dials,
			// so any authority under the http scheme resolves requests
			// correctly once DialContext redirects them to socketPath.
			resolved = "http://unix"
		}
	}
	return &Client{
		name:     name,
		baseURL:  resolved,
		token:    token,
		cacheTTL: cacheTTL,
		http:     httpClient,
		retry:    backoff.WithJitter(backoff.NewExponentialBackoffPolicy(100*time.Millisecond), backoff.FullJitter),
	}
}

func (c *Client) Name() string    { return c.name }
func (c *Client) CacheTTL() int64 { return c.cacheTTL }

// tagResponse mirrors the frontend's GET /tags/:tag JSON body.
type tagResponse struct {
	Item     string   `json:"item,omitempty"`
	Children []string `json:"children,omitempty"`
}

// GetTag implements tagcache.Remote, fetching a tag from the peer with
// ttl=-1 (defer entirely to the peer's own cache freshness) so a chain
// of mirrors each resolve against their own upstream rather than forcing
// a refresh at every hop.
func (c *Client) GetTag(ctx context.Context, tag string) (tagcache.Entry, bool, error) {
	var resp tagResponse
	status, err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/tags/%s?ttl=-1", tag), nil, &resp)
	if err != nil {
		return tagcache.Entry{}, false, err
	}
	if status == http.StatusNotFound {
		return tagcache.Entry{}, false, nil
	}
	return tagcache.Entry{Tag: tag, Item: resp.Item, Children: resp.Children}, true, nil
}

// PutTag pushes a local tag binding to the peer, overwriting any binding
// the peer already holds for tag.
func (c *Client) PutTag(ctx context.Context, tag, item string) error {
	_, err := c.doJSON(ctx, http.MethodPut, "/tags/"+tag+"?force=true", tagResponse{Item: item}, nil)
	return err
}

// GetObject fetches a single object's bytes from the peer.
func (c *Client) GetObject(ctx context.Context, id object.ID) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/objects/"+string(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, terror.New(terror.NotFound, fmt.Sprintf("object %s not found on remote %s", id, c.name))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, terror.New(terror.Unavailable, fmt.Sprintf("remote %s returned %d fetching object %s", c.name, resp.StatusCode, id))
	}
	return io.ReadAll(resp.Body)
}

// PutObject uploads a single object's bytes to the peer.
func (c *Client) PutObject(ctx context.Context, id object.ID, body []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/objects/"+string(id), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return terror.New(terror.Unavailable, fmt.Sprintf("remote %s rejected object %s with status %d", c.name, id, resp.StatusCode))
	}
	return nil
}

type metadataResponse struct {
	SubtreeStored bool `json:"subtree_stored"`
	Solved        bool `json:"solved"`
}

// HasComplete reports whether the remote's own indexer has confirmed id's
// subtree stored.
func (c *Client) HasComplete(ctx context.Context, id object.ID) (bool, error) {
	var resp metadataResponse
	status, err := c.doJSON(ctx, http.MethodGet, "/objects/"+string(id)+"/metadata", nil, &resp)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound {
		return false, nil
	}
	return resp.SubtreeStored, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, terror.Wrap(terror.Internal, "failed to build remote request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return req, nil
}

// do executes req, retrying transient failures under c.retry.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	retrier := backoff.NewRetrier(c.retry)
	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, terror.Wrap(terror.Internal, "failed to rewind request body for retry", err)
			}
			req.Body = body
		}
		resp, err := c.http.Do(req)
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}
		var kindErr error
		if err != nil {
			kindErr = terror.Wrap(terror.Unavailable, fmt.Sprintf("remote %s request failed", c.name), err)
		} else {
			resp.Body.Close()
			kindErr = terror.New(terror.Unavailable, fmt.Sprintf("remote %s returned %d", c.name, resp.StatusCode))
		}
		if waitErr := retrier.Next(req.Context(), kindErr); waitErr != nil {
			return nil, kindErr
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, terror.Wrap(terror.Internal, "failed to encode request body", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, terror.New(terror.Unavailable, fmt.Sprintf("remote %s returned %d for %s", c.name, resp.StatusCode, path))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, terror.Wrap(terror.Internal, "failed to decode remote response", err)
		}
	}
	return resp.StatusCode, nil
}

// Pusher walks the transitive closure of an object and uploads whatever
// the remote doesn't already have, stopping at any subtree the remote
// confirms already complete.
type Pusher struct {
	store  store.Store
	client *Client
}

func NewPusher(s store.Store, c *Client) *Pusher { return &Pusher{store: s, client: c} }

// PushObject uploads id and every object it transitively references that
// the remote does not already report complete.
func (p *Pusher) PushObject(ctx context.Context, id object.ID) error {
	seen := map[object.ID]bool{}
	return p.push(ctx, id, seen)
}

// PushTag pushes item's closure and then writes the tag binding on the
// remote. The object closure lands first so the remote never exposes a
// tag naming an item it cannot serve.
func (p *Pusher) PushTag(ctx context.Context, tag string, item object.ID) error {
	if err := p.PushObject(ctx, item); err != nil {
		return err
	}
	return p.client.PutTag(ctx, tag, string(item))
}

func (p *Pusher) push(ctx context.Context, id object.ID, seen map[object.ID]bool) error {
	if seen[id] {
		return nil
	}
	seen[id] = true

	complete, err := p.client.HasComplete(ctx, id)
	if err != nil {
		return err
	}
	if complete {
		return nil
	}

	body, err := p.store.Get(ctx, id)
	if err != nil {
		return err
	}
	children, err := p.store.Children(ctx, id)
	if err != nil {
		return err
	}
	// Children first, so the remote's indexer can mark this node's
	// subtree complete as soon as its own Put lands. seen already
	// collapses duplicate references.
	for _, child := range children {
		if err := p.push(ctx, child, seen); err != nil {
			return err
		}
	}
	return p.client.PutObject(ctx, id, body)
}
