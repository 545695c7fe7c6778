package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"polyship/pkg/telemetry"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHub creates a release for the version tag and uploads every asset.
type GitHub struct {
	Owner   string
	Repo    string
	Token   string
	BaseURL string
	Client  *http.Client
}

// NewGitHub returns a GitHub publisher whose HTTP client is traced.
func NewGitHub(owner, repo, token, baseURL string) (*GitHub, error) {
	if owner == "" || repo == "" {
		return nil, errors.New("github: owner and repo are required")
	}
	if token == "" {
		return nil, errors.New("github: GITHUB_TOKEN or GH_TOKEN is required")
	}
	if baseURL == "" {
		baseURL = defaultGitHubAPI
	}
	return &GitHub{
		Owner:   owner,
		Repo:    repo,
		Token:   token,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Transport: telemetry.Transport(nil), Timeout: 10 * time.Minute},
	}, nil
}

func (g *GitHub) Name() string { return "github" }

type createReleaseRequest struct {
	TagName    string `json:"tag_name"`
	Name       string `json:"name"`
	Body       string `json:"body"`
	Draft      bool   `json:"draft"`
	Prerelease bool   `json:"prerelease"`
}

type releaseResponse struct {
	ID        int64  `json:"id"`
	HTMLURL   string `json:"html_url"`
	UploadURL string `json:"upload_url"`
}

type assetResponse struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Publish creates the release, then uploads the assets one by one.
func (g *GitHub) Publish(ctx context.Context, rel *Release) (Outcome, error) {
	assets, err := rel.Assets()
	if err != nil {
		return Outcome{}, err
	}
	tag := rel.Version.Tag
	if tag == "" {
		tag = "v" + rel.Version.Value
	}

	body, err := json.Marshal(createReleaseRequest{
		TagName:    tag,
		Name:       strings.TrimSpace(rel.Name + " " + rel.Version.Value),
		Body:       rel.Notes,
		Draft:      rel.Draft,
		Prerelease: rel.Prerelease,
	})
	if err != nil {
		return Outcome{}, err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/releases", g.BaseURL, url.PathEscape(g.Owner), url.PathEscape(g.Repo))
	var created releaseResponse
	if err := g.do(ctx, http.MethodPost, endpoint, "application/json", bytes.NewReader(body), int64(len(body)), &created); err != nil {
		return Outcome{}, fmt.Errorf("create release %s: %w", tag, err)
	}

	uploadBase, _, _ := strings.Cut(created.UploadURL, "{")
	out := Outcome{URL: created.HTMLURL, Assets: map[string]string{}}
	for _, asset := range assets {
		downloadURL, err := g.upload(ctx, uploadBase, asset)
		if err != nil {
			return out, fmt.Errorf("upload %s: %w", asset.Name, err)
		}
		out.Assets[asset.Name] = downloadURL
	}
	return out, nil
}

func (g *GitHub) upload(ctx context.Context, base string, asset Asset) (string, error) {
	file, err := os.Open(asset.Path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	endpoint := base + "?name=" + url.QueryEscape(path.Base(asset.Name))
	var resp assetResponse
	if err := g.do(ctx, http.MethodPost, endpoint, "application/octet-stream", file, asset.Size, &resp); err != nil {
		return "", err
	}
	return resp.BrowserDownloadURL, nil
}

func (g *GitHub) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, size int64, into any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.Token)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s: %s", method, endpoint, resp.Status, strings.TrimSpace(string(data)))
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
