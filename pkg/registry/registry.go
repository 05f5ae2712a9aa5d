// Package registry implements the OCI distribution protocol subset peeko
// needs: manifest/manifest-list resolution, platform selection, and
// concurrent verified layer download into a deterministic on-disk layout
// (spec.md §4.D).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cloverzero/peeko/pkg/auth"
	pdigest "github.com/cloverzero/peeko/pkg/digest"
	"github.com/cloverzero/peeko/pkg/errs"
	"github.com/cloverzero/peeko/pkg/mediatype"
	"github.com/cloverzero/peeko/pkg/ociref"
	"github.com/cloverzero/peeko/pkg/transport"
	"github.com/cloverzero/peeko/pkg/utils"
)

// Descriptor is an OCI content descriptor: {mediaType, digest, size}.
type Descriptor struct {
	MediaType string
	Digest    pdigest.Digest
	Size      int64
}

// Manifest is a resolved single-platform manifest: a config descriptor plus
// layer descriptors listed bottom-to-top.
type Manifest struct {
	MediaType string
	Config    Descriptor
	Layers    []Descriptor
	Raw       []byte
}

// Platform narrows a manifest-list entry to an architecture/os/variant.
type Platform struct {
	Architecture string
	OS           string
	Variant      string
}

// ManifestListEntry is one child of a manifest list.
type ManifestListEntry struct {
	Descriptor
	Platform Platform
}

// ManifestList is a multi-platform image index.
type ManifestList struct {
	MediaType string
	Manifests []ManifestListEntry
	Raw       []byte
}

// ProgressObserver reports per-layer download progress (spec.md §4.D).
// All methods are optional to implement meaningfully; a nil Observer is
// treated as a no-op.
type ProgressObserver interface {
	OnStart(layerDigest string, totalBytes int64)
	OnProgress(layerDigest string, delta int64)
	OnFinish(layerDigest string)
}

type noopObserver struct{}

func (noopObserver) OnStart(string, int64)    {}
func (noopObserver) OnProgress(string, int64) {}
func (noopObserver) OnFinish(string)          {}

// Config configures a Client. Zero-value fields take the defaults spec.md
// §4.D names.
type Config struct {
	DownloadsDir        string
	ConcurrentDownloads int
	ProgressObserver    ProgressObserver
	FetchConfigBlob     bool
	ManifestTimeout     time.Duration
	BlobTimeout         time.Duration
	Logger              *logrus.Logger
	FS                  afero.Fs
}

func (c *Config) setDefaults() {
	if c.ConcurrentDownloads <= 0 {
		c.ConcurrentDownloads = 4
	}
	if c.ProgressObserver == nil {
		c.ProgressObserver = noopObserver{}
	}
	if c.ManifestTimeout <= 0 {
		c.ManifestTimeout = 60 * time.Second
	}
	if c.BlobTimeout <= 0 {
		c.BlobTimeout = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.FS == nil {
		c.FS = afero.NewOsFs()
	}
}

// Client performs OCI distribution protocol exchanges against a single
// Docker-Hub-compatible registry endpoint per call (the endpoint comes from
// the ImageRef, not the Client, since one process may pull from many
// registries).
type Client struct {
	cfg        Config
	transport  *transport.Transport
	negotiator *auth.Negotiator
}

// New builds a Client. httpClient may be nil to use transport's default.
func New(cfg Config, httpClient *http.Client) *Client {
	cfg.setDefaults()
	t := transport.New(httpClient)
	return &Client{cfg: cfg, transport: t, negotiator: auth.New(t)}
}

// DownloadImage resolves ref's manifest (selecting a platform from a
// manifest list if necessary), persists it as manifest.json, and downloads
// every layer into the image directory, returning its path.
func (c *Client) DownloadImage(ctx context.Context, ref ociref.ImageRef) (string, error) {
	correlationID, err := utils.NewUUID7()
	if err != nil {
		correlationID = "unknown"
	}
	log := c.cfg.Logger.WithFields(logrus.Fields{"correlation_id": correlationID, "image": ref.String()})

	log.Info("resolving manifest")
	manifest, err := c.resolveManifest(ctx, ref, log)
	if err != nil {
		return "", err
	}

	imageDir := path.Join(c.cfg.DownloadsDir, ref.Repository, ref.Tag)
	if err := c.cfg.FS.MkdirAll(imageDir, 0o755); err != nil {
		return "", errs.New("registry.DownloadImage", imageDir, errs.ErrIO, err)
	}

	if err := c.writeManifest(imageDir, manifest); err != nil {
		return "", err
	}

	if err := c.downloadLayers(ctx, ref, manifest, imageDir, log); err != nil {
		return "", err
	}

	if c.cfg.FetchConfigBlob {
		if err := c.downloadBlob(ctx, ref, manifest.Config, imageDir, "config.json", log); err != nil {
			return "", err
		}
	}

	log.Info("download complete")
	return imageDir, nil
}

// resolveManifest performs the manifest GET, following a manifest-list
// response to the platform-selected child, per spec.md §4.D steps 1–2.
func (c *Client) resolveManifest(ctx context.Context, ref ociref.ImageRef, log *logrus.Entry) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ManifestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v2/%s/manifests/%s", ref.RegistryBaseURL, ref.Repository, ref.Tag)
	resp, body, err := c.fetchWithAuth(ctx, ref, url, []string{mediatype.ManifestAccept})
	if err != nil {
		return Manifest{}, err
	}
	if resp.Status == http.StatusNotFound {
		return Manifest{}, errs.New("registry.resolveManifest", url, errs.ErrManifestNotFound, nil)
	}
	if resp.Status != http.StatusOK {
		return Manifest{}, errs.New("registry.resolveManifest", url, errs.ErrNetwork, fmt.Errorf("http %d", resp.Status))
	}

	contentType := resp.Header.Get("Content-Type")

	if mediatype.IsManifestList(contentType) {
		list, err := parseManifestList(contentType, body)
		if err != nil {
			return Manifest{}, errs.New("registry.resolveManifest", url, errs.ErrIO, err)
		}

		entry, err := selectPlatform(list, ref.Platform)
		if err != nil {
			return Manifest{}, err
		}
		log.WithField("digest", entry.Digest.String()).Info("selected platform manifest from list")

		childURL := fmt.Sprintf("%s/v2/%s/manifests/%s", ref.RegistryBaseURL, ref.Repository, entry.Digest.String())
		childResp, childBody, err := c.fetchWithAuth(ctx, ref, childURL, []string{mediatype.ManifestAccept})
		if err != nil {
			return Manifest{}, err
		}
		if childResp.Status == http.StatusNotFound {
			return Manifest{}, errs.New("registry.resolveManifest", childURL, errs.ErrManifestNotFound, nil)
		}
		if childResp.Status != http.StatusOK {
			return Manifest{}, errs.New("registry.resolveManifest", childURL, errs.ErrNetwork, fmt.Errorf("http %d", childResp.Status))
		}
		return parseManifest(childResp.Header.Get("Content-Type"), childBody)
	}

	if mediatype.IsManifest(contentType) {
		return parseManifest(contentType, body)
	}

	return Manifest{}, errs.New("registry.resolveManifest", url, errs.ErrManifestNotFound,
		fmt.Errorf("unrecognized manifest content-type %q", contentType))
}

// fetchWithAuth performs a GET, transparently handling a single bearer
// challenge/retry round-trip (spec.md §4.C). It always fully reads and
// closes the response body, returning it as a byte slice since manifests
// are small JSON documents.
func (c *Client) fetchWithAuth(ctx context.Context, ref ociref.ImageRef, url string, accept []string) (*transport.Response, []byte, error) {
	resp, err := c.transport.Fetch(ctx, url, nil, accept)
	if err != nil {
		return nil, nil, err
	}

	if resp.Status == http.StatusUnauthorized {
		challengeHeader := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()

		challenge, err := auth.ParseChallenge(challengeHeader)
		if err != nil {
			return nil, nil, errs.New("registry.fetchWithAuth", url, errs.ErrAuthRejected, err)
		}
		if challenge.Scope == "" {
			challenge.Scope = fmt.Sprintf("repository:%s:pull", ref.Repository)
		}

		token, err := c.negotiator.Token(ctx, challenge)
		if err != nil {
			return nil, nil, err
		}

		headers := http.Header{"Authorization": []string{"Bearer " + token}}
		resp, err = c.transport.Fetch(ctx, url, headers, accept)
		if err != nil {
			return nil, nil, err
		}
		if resp.Status == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, nil, errs.New("registry.fetchWithAuth", url, errs.ErrAuthRejected, nil)
		}
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errs.New("registry.fetchWithAuth", url, errs.ErrIO, err)
	}
	return resp, body, nil
}

func selectPlatform(list ManifestList, filter ociref.PlatformFilter) (ManifestListEntry, error) {
	if len(list.Manifests) == 0 {
		return ManifestListEntry{}, errs.New("registry.selectPlatform", "", errs.ErrPlatformUnavailable, nil)
	}
	if filter.Empty() {
		return list.Manifests[0], nil
	}
	for _, m := range list.Manifests {
		if filter.Matches(m.Platform.Architecture, m.Platform.OS, m.Platform.Variant) {
			return m, nil
		}
	}
	return ManifestListEntry{}, errs.New("registry.selectPlatform", "", errs.ErrPlatformUnavailable, nil)
}

func (c *Client) writeManifest(imageDir string, manifest Manifest) error {
	manifestPath := path.Join(imageDir, "manifest.json")
	if err := afero.WriteFile(c.cfg.FS, manifestPath, manifest.Raw, 0o644); err != nil {
		return errs.New("registry.writeManifest", manifestPath, errs.ErrIO, err)
	}
	return nil
}

// downloadLayers schedules concurrent verified downloads bounded by
// cfg.ConcurrentDownloads, cancelling siblings on the first fatal error
// (spec.md §4.D step 4, §5).
func (c *Client) downloadLayers(ctx context.Context, ref ociref.ImageRef, manifest Manifest, imageDir string, log *logrus.Entry) error {
	sem := semaphore.NewWeighted(int64(c.cfg.ConcurrentDownloads))
	g, ctx := errgroup.WithContext(ctx)

	for _, layerDesc := range manifest.Layers {
		layerDesc := layerDesc
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return errs.New("registry.downloadLayers", layerDesc.Digest.String(), errs.ErrCancelled, err)
			}
			defer sem.Release(1)

			_, ext, err := mediatype.ClassifyLayer(layerDesc.MediaType)
			if err != nil {
				return err
			}
			filename := fmt.Sprintf("%s.%s", layerDesc.Digest.Encoded(), ext)
			return c.downloadBlob(ctx, ref, layerDesc, imageDir, filename, log)
		})
	}

	return g.Wait()
}

// downloadBlob fetches one descriptor's blob to <imageDir>/<filename>,
// skipping the transfer if a verified copy already exists (spec.md §4.D
// step 5), and writing atomically via a .partial file otherwise (step 6).
func (c *Client) downloadBlob(ctx context.Context, ref ociref.ImageRef, desc Descriptor, imageDir, filename string, log *logrus.Entry) error {
	finalPath := path.Join(imageDir, filename)
	layerLog := log.WithField("layer", desc.Digest.String())

	if already, err := c.verifyExisting(finalPath, desc.Digest); err == nil && already {
		layerLog.Debug("layer already present and verified, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.BlobTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v2/%s/blobs/%s", ref.RegistryBaseURL, ref.Repository, desc.Digest.String())
	resp, err := c.fetchBlob(ctx, ref, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.cfg.ProgressObserver.OnStart(desc.Digest.String(), desc.Size)

	partialPath := finalPath + ".partial"
	f, err := c.cfg.FS.Create(partialPath)
	if err != nil {
		return errs.New("registry.downloadBlob", partialPath, errs.ErrIO, err)
	}

	verifier := desc.Digest.Verifier()
	counting := &countingReader{r: io.TeeReader(resp.Body, verifier), onRead: func(n int) {
		c.cfg.ProgressObserver.OnProgress(desc.Digest.String(), int64(n))
	}}

	_, copyErr := io.Copy(f, counting)
	if copyErr != nil {
		f.Close()
		c.cfg.FS.Remove(partialPath)
		return errs.New("registry.downloadBlob", url, errs.ErrIO, copyErr)
	}

	if !verifier.Verified() {
		f.Close()
		c.cfg.FS.Remove(partialPath)
		return errs.New("registry.downloadBlob", desc.Digest.String(), errs.ErrDigestMismatch, nil)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		c.cfg.FS.Remove(partialPath)
		return errs.New("registry.downloadBlob", partialPath, errs.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		c.cfg.FS.Remove(partialPath)
		return errs.New("registry.downloadBlob", partialPath, errs.ErrIO, err)
	}

	if err := c.cfg.FS.Rename(partialPath, finalPath); err != nil {
		c.cfg.FS.Remove(partialPath)
		return errs.New("registry.downloadBlob", finalPath, errs.ErrIO, err)
	}

	c.cfg.ProgressObserver.OnFinish(desc.Digest.String())
	layerLog.WithField("size", desc.Size).Info("layer downloaded")
	return nil
}

// fetchBlob performs the same single-bearer-challenge dance as
// fetchWithAuth, but returns the live response for streaming rather than
// buffering it (blobs may be large).
func (c *Client) fetchBlob(ctx context.Context, ref ociref.ImageRef, url string) (*transport.Response, error) {
	resp, err := c.transport.Fetch(ctx, url, nil, nil)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized {
		challengeHeader := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()

		challenge, err := auth.ParseChallenge(challengeHeader)
		if err != nil {
			return nil, errs.New("registry.fetchBlob", url, errs.ErrAuthRejected, err)
		}
		if challenge.Scope == "" {
			challenge.Scope = fmt.Sprintf("repository:%s:pull", ref.Repository)
		}

		token, err := c.negotiator.Token(ctx, challenge)
		if err != nil {
			return nil, err
		}

		headers := http.Header{"Authorization": []string{"Bearer " + token}}
		resp, err = c.transport.Fetch(ctx, url, headers, nil)
		if err != nil {
			return nil, err
		}
		if resp.Status == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, errs.New("registry.fetchBlob", url, errs.ErrAuthRejected, nil)
		}
	}

	if resp.Status != http.StatusOK {
		resp.Body.Close()
		return nil, errs.New("registry.fetchBlob", url, errs.ErrNetwork, fmt.Errorf("http %d", resp.Status))
	}

	return resp, nil
}

func (c *Client) verifyExisting(finalPath string, want pdigest.Digest) (bool, error) {
	f, err := c.cfg.FS.Open(finalPath)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return pdigest.Verify(f, want) == nil, nil
}

type countingReader struct {
	r      io.Reader
	onRead func(n int)
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.onRead(n)
	}
	return n, err
}

type rawDescriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

func (d rawDescriptor) toDescriptor() (Descriptor, error) {
	dg, err := pdigest.Parse(d.Digest)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{MediaType: d.MediaType, Digest: dg, Size: d.Size}, nil
}

type rawManifest struct {
	MediaType string          `json:"mediaType"`
	Config    rawDescriptor   `json:"config"`
	Layers    []rawDescriptor `json:"layers"`
}

func parseManifest(contentType string, body []byte) (Manifest, error) {
	var rm rawManifest
	if err := json.Unmarshal(body, &rm); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	mt := rm.MediaType
	if mt == "" {
		mt = contentType
	}

	config, err := rm.Config.toDescriptor()
	if err != nil {
		return Manifest{}, fmt.Errorf("parse manifest config descriptor: %w", err)
	}

	layers := make([]Descriptor, 0, len(rm.Layers))
	for _, l := range rm.Layers {
		d, err := l.toDescriptor()
		if err != nil {
			return Manifest{}, fmt.Errorf("parse manifest layer descriptor: %w", err)
		}
		layers = append(layers, d)
	}

	return Manifest{MediaType: mt, Config: config, Layers: layers, Raw: body}, nil
}

type rawPlatform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

type rawManifestListEntry struct {
	MediaType string      `json:"mediaType"`
	Digest    string      `json:"digest"`
	Size      int64       `json:"size"`
	Platform  rawPlatform `json:"platform"`
}

type rawManifestList struct {
	MediaType string                 `json:"mediaType"`
	Manifests []rawManifestListEntry `json:"manifests"`
}

func parseManifestList(contentType string, body []byte) (ManifestList, error) {
	var rl rawManifestList
	if err := json.Unmarshal(body, &rl); err != nil {
		return ManifestList{}, fmt.Errorf("parse manifest list: %w", err)
	}
	mt := rl.MediaType
	if mt == "" {
		mt = contentType
	}

	entries := make([]ManifestListEntry, 0, len(rl.Manifests))
	for _, m := range rl.Manifests {
		dg, err := pdigest.Parse(m.Digest)
		if err != nil {
			return ManifestList{}, fmt.Errorf("parse manifest list entry digest: %w", err)
		}
		entries = append(entries, ManifestListEntry{
			Descriptor: Descriptor{MediaType: m.MediaType, Digest: dg, Size: m.Size},
			Platform:   Platform{Architecture: m.Platform.Architecture, OS: m.Platform.OS, Variant: m.Platform.Variant},
		})
	}

	return ManifestList{MediaType: mt, Manifests: entries, Raw: body}, nil
}
