package harvest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"img-harvester/pkg/config"
	"img-harvester/pkg/fetch"
	"img-harvester/pkg/models"
	"img-harvester/pkg/output"
	"img-harvester/pkg/process"
	"img-harvester/pkg/storage"
	"img-harvester/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

var tinyPNG = func() []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		panic(err)
	}
	return buf.Bytes()
}()

// site is an httptest server that counts hits per path
type site struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newSite(t *testing.T, routes map[string]http.HandlerFunc) *site {
	t.Helper()
	s := &site{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		if h, ok := routes[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *site) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *site) totalHits(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p, c := range s.hits {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

func htmlPage(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body>%s</body></html>", body)
	}
}

func pngImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(tinyPNG)
	}
}

func newTestHarvester(t *testing.T, cfg *config.AppConfig, ledger storage.Ledger) *Harvester {
	t.Helper()
	if cfg == nil {
		cfg = &config.AppConfig{}
	}
	_, err := cfg.Validate()
	require.NoError(t, err)
	log := testLogger()
	client := fetch.NewClient(cfg.HTTPClientSettings, log)
	fetcher := fetch.NewFetcher(client, cfg, log)
	writer := process.NewImageWriter(cfg, log)
	return NewHarvester(cfg, fetcher, writer, ledger, log)
}

func request(rootURL, out string) models.HarvestRequest {
	return models.HarvestRequest{
		RootURL:        rootURL,
		OutputRoot:     out,
		SameOriginOnly: true,
	}
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestRun_RootImagesInDocumentOrder(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/": htmlPage(`
			<img src="a.png">
			<img alt="no source">
			<img src="/img/missing.png">
			<img data-src="d.png">
			<img src="/img/e.png?size=large">`),
		"/a.png":     pngImage(),
		"/d.png":     pngImage(),
		"/img/e.png": pngImage(),
	})
	out := t.TempDir()

	h := newTestHarvester(t, nil, nil)
	result, err := h.Run(context.Background(), request(s.URL+"/", out))
	require.NoError(t, err)

	assert.Equal(t, out, result.OutputDir)
	assert.Equal(t, 5, result.RootImagesFound)
	assert.Equal(t, []string{"root_1_a.png", "root_4_d.png", "root_5_e.png"}, listFiles(t, out))

	require.Len(t, result.Images, 3)
	assert.Equal(t, "root_1_a.png", result.Images[0].File)
	assert.Equal(t, "root_4_d.png", result.Images[1].File)
	assert.Equal(t, "root_5_e.png", result.Images[2].File)
	assert.Equal(t, "root", result.Images[0].Scope)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, "HTTP_404", result.Failures[0].Category)
	assert.Equal(t, "fetch", result.Failures[0].Stage)
	assert.Equal(t, 1, s.hitCount("/img/missing.png"))
}

func TestRun_EveryRootImageAttemptedOnce(t *testing.T) {
	const n = 6
	var b strings.Builder
	routes := map[string]http.HandlerFunc{}
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `<img src="/i/%d.png">`, i)
		if i%2 == 0 {
			routes[fmt.Sprintf("/i/%d.png", i)] = pngImage()
		}
	}
	routes["/"] = htmlPage(b.String())
	s := newSite(t, routes)
	out := t.TempDir()

	h := newTestHarvester(t, &config.AppConfig{NumImageWorkers: 3}, nil)
	result, err := h.Run(context.Background(), request(s.URL+"/", out))
	require.NoError(t, err)

	for i := 1; i <= n; i++ {
		assert.Equal(t, 1, s.hitCount(fmt.Sprintf("/i/%d.png", i)), "image %d", i)
	}
	assert.Equal(t, []string{"root_2_2.png", "root_4_4.png", "root_6_6.png"}, listFiles(t, out))
	assert.Len(t, result.Failures, 3)
}

func TestRun_LinkBudgetCapsDispatch(t *testing.T) {
	var links strings.Builder
	routes := map[string]http.HandlerFunc{}
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&links, `<a href="/p%d">page %d</a>`, i, i)
		routes[fmt.Sprintf("/p%d", i)] = htmlPage("no images here")
	}
	routes["/"] = htmlPage(links.String())

	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			s := newSite(t, routes)
			req := request(s.URL+"/", t.TempDir())
			req.MaxLinks = 2

			h := newTestHarvester(t, &config.AppConfig{NumLinkWorkers: workers}, nil)
			result, err := h.Run(context.Background(), req)
			require.NoError(t, err)

			assert.Equal(t, 2, s.totalHits("/p"), "no more than K links may be fetched")
			assert.Equal(t, 2, result.LinksProcessed)
			assert.Equal(t, 5, result.LinksEligible)
			assert.Equal(t, 3, result.LinksNotVisited)
			assert.Len(t, result.Links, 2)
		})
	}
}

func TestRun_FailedLinksReturnBudget(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/":   htmlPage(`<a href="/gone">x</a><a href="/p1">1</a><a href="/p2">2</a><a href="/p3">3</a>`),
		"/p1": htmlPage(""),
		"/p2": htmlPage(""),
		"/p3": htmlPage(""),
	})
	req := request(s.URL+"/", t.TempDir())
	req.MaxLinks = 2

	h := newTestHarvester(t, nil, nil)
	result, err := h.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, s.hitCount("/gone"))
	assert.Equal(t, 1, s.hitCount("/p1"))
	assert.Equal(t, 1, s.hitCount("/p2"))
	assert.Equal(t, 0, s.hitCount("/p3"), "link past the bound must not be fetched")
	assert.Equal(t, 2, result.LinksProcessed)
	assert.Equal(t, 1, result.LinksNotVisited, "the failed link was visited, only /p3 was not")

	require.Len(t, result.Links, 3)
	assert.Equal(t, models.LinkStatusFailure.String(), result.Links[0].Status)
	assert.Equal(t, models.LinkStatusRouted.String(), result.Links[1].Status)
}

func TestRun_CrossOriginLinksExcluded(t *testing.T) {
	other := newSite(t, map[string]http.HandlerFunc{
		"/elsewhere": htmlPage(`<img src="/x.png">`),
		"/x.png":     pngImage(),
	})
	rootHTML := fmt.Sprintf(`<a href="%s/elsewhere">away</a><a href="/local">here</a>`, other.URL)
	s := newSite(t, map[string]http.HandlerFunc{
		"/":      htmlPage(rootHTML),
		"/local": htmlPage(`<img src="/l.png">`),
		"/l.png": pngImage(),
	})

	t.Run("same origin only", func(t *testing.T) {
		out := t.TempDir()
		req := request(s.URL+"/", out)
		req.MaxLinks = 1

		h := newTestHarvester(t, nil, nil)
		result, err := h.Run(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, 0, other.hitCount("/elsewhere"))
		assert.Equal(t, 2, result.LinksFound)
		assert.Equal(t, 1, result.LinksEligible)
		assert.Equal(t, 1, result.LinksProcessed, "excluded link does not consume budget")
		assert.Equal(t, []string{"1_1_l.png"}, listFiles(t, out))
	})

	t.Run("any origin", func(t *testing.T) {
		out := t.TempDir()
		req := request(s.URL+"/", out)
		req.SameOriginOnly = false

		h := newTestHarvester(t, nil, nil)
		result, err := h.Run(context.Background(), req)
		require.NoError(t, err)

		assert.Equal(t, 1, other.hitCount("/elsewhere"))
		assert.Equal(t, 2, result.LinksProcessed)
		assert.Equal(t, []string{"1_1_x.png", "2_1_l.png"}, listFiles(t, out))
	})
}

func TestRun_DirectImageLinks(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/":    htmlPage(`<a href="/pic">typed</a><a href="/photo.png">by extension</a>`),
		"/pic": pngImage(),
		// HTML served under an image extension is still saved as-is
		"/photo.png": htmlPage(`<img src="/inner.png">`),
		"/inner.png": pngImage(),
	})
	out := t.TempDir()

	h := newTestHarvester(t, nil, nil)
	result, err := h.Run(context.Background(), request(s.URL+"/", out))
	require.NoError(t, err)

	assert.Equal(t, []string{"link_1_direct_pic", "link_2_direct_photo.png"}, listFiles(t, out))
	assert.Equal(t, 0, s.hitCount("/inner.png"), "direct image links are never scanned")
	assert.Equal(t, 0, result.PageImagesFound)

	require.Len(t, result.Links, 2)
	for _, l := range result.Links {
		assert.Equal(t, models.LinkKindDirectImage, l.Kind)
	}
	assert.Equal(t, "link_1", result.Images[0].Scope)
	assert.Equal(t, "png", result.Images[0].Format)
}

func TestRun_LinkedPageImages(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/":              htmlPage(`<a href="/gallery/">gallery</a>`),
		"/gallery/":      htmlPage(`<img src="a.png"><img src="b.png"><img src="/c.png">`),
		"/gallery/a.png": pngImage(),
		"/c.png":         pngImage(),
	})
	out := t.TempDir()

	h := newTestHarvester(t, &config.AppConfig{NumImageWorkers: 2}, nil)
	result, err := h.Run(context.Background(), request(s.URL+"/", out))
	require.NoError(t, err)

	assert.Equal(t, []string{"1_1_a.png", "1_3_c.png"}, listFiles(t, out))
	assert.Equal(t, 1, s.hitCount("/gallery/b.png"))
	assert.Equal(t, 3, result.PageImagesFound)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, "link_1", result.Failures[0].Scope)
	assert.True(t, strings.HasSuffix(result.Failures[0].URL, "/gallery/b.png"))
}

func TestRun_DeterministicNamesUnderParallelism(t *testing.T) {
	routes := map[string]http.HandlerFunc{}
	var root strings.Builder
	for l := 1; l <= 4; l++ {
		fmt.Fprintf(&root, `<a href="/p%d">p</a>`, l)
		var page strings.Builder
		for j := 1; j <= 3; j++ {
			fmt.Fprintf(&page, `<img src="/p%d/%d.png">`, l, j)
			routes[fmt.Sprintf("/p%d/%d.png", l, j)] = pngImage()
		}
		routes[fmt.Sprintf("/p%d", l)] = htmlPage(page.String())
	}
	routes["/"] = htmlPage(root.String())
	s := newSite(t, routes)
	out := t.TempDir()

	h := newTestHarvester(t, &config.AppConfig{NumLinkWorkers: 4, NumImageWorkers: 3}, nil)
	result, err := h.Run(context.Background(), request(s.URL+"/", out))
	require.NoError(t, err)

	var want []string
	for l := 1; l <= 4; l++ {
		for j := 1; j <= 3; j++ {
			want = append(want, fmt.Sprintf("%d_%d_%d.png", l, j, j))
		}
	}
	assert.Equal(t, want, listFiles(t, out))

	got := make([]string, 0, len(result.Images))
	for _, img := range result.Images {
		got = append(got, img.File)
	}
	assert.Equal(t, want, got, "result images are in document order")
}

func TestRun_RootUnreachable(t *testing.T) {
	s := httptest.NewServer(http.NotFoundHandler())
	rootURL := s.URL + "/"
	s.Close()

	outRoot := filepath.Join(t.TempDir(), "out")
	req := request(rootURL, outRoot)
	req.DatedSubfolder = true

	h := newTestHarvester(t, nil, nil)
	result, err := h.Run(context.Background(), req)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, utils.ErrRootUnreachable))
	assert.Equal(t, "Fatal_RootUnreachable", utils.CategorizeError(err))

	dated := listFiles(t, outRoot)
	require.Len(t, dated, 1)
	assert.True(t, strings.HasPrefix(dated[0], output.DatedDirPrefix))
	assert.Empty(t, listFiles(t, filepath.Join(outRoot, dated[0])))
}

func TestRun_RootNotFoundIsFatal(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{})
	out := t.TempDir()

	h := newTestHarvester(t, nil, nil)
	_, err := h.Run(context.Background(), request(s.URL+"/", out))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrRootUnreachable))
	assert.True(t, errors.Is(err, utils.ErrClientHTTPError))
	assert.Empty(t, listFiles(t, out))
}

func TestRun_OutputLocationUnavailable(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{"/": htmlPage("")})
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))

	h := newTestHarvester(t, nil, nil)
	_, err := h.Run(context.Background(), request(s.URL+"/", file))

	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrOutputLocationUnavailable))
	assert.Equal(t, 0, s.hitCount("/"), "nothing is fetched without an output location")
}

func TestRun_DatedRunsNeverShareDirectory(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/":      htmlPage(`<img src="/a.png">`),
		"/a.png": pngImage(),
	})
	outRoot := t.TempDir()
	req := request(s.URL+"/", outRoot)
	req.DatedSubfolder = true

	h := newTestHarvester(t, nil, nil)
	fixed := time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)
	h.clock = func() time.Time { return fixed }

	first, err := h.Run(context.Background(), req)
	require.NoError(t, err)
	second, err := h.Run(context.Background(), req)
	require.NoError(t, err)

	assert.NotEqual(t, first.OutputDir, second.OutputDir)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, filepath.Join(outRoot, "images_20240102_030405"), first.OutputDir)
	assert.Equal(t, []string{"root_1_a.png"}, listFiles(t, first.OutputDir))
	assert.Equal(t, []string{"root_1_a.png"}, listFiles(t, second.OutputDir))
	assert.Equal(t, []string{"images_20240102_030405", "images_20240102_030405_2"}, listFiles(t, outRoot))
}

func TestRun_InvalidRequest(t *testing.T) {
	h := newTestHarvester(t, nil, nil)
	out := filepath.Join(t.TempDir(), "never")

	_, err := h.Run(context.Background(), request("ftp://example.com/", out))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrConfigValidation))

	_, statErr := os.Stat(out)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRun_ManifestAndLedger(t *testing.T) {
	s := newSite(t, map[string]http.HandlerFunc{
		"/":      htmlPage(`<img src="/a.png"><img src="/b.png"><a href="/p">p</a>`),
		"/a.png": pngImage(),
		"/p":     htmlPage(""),
	})
	out := t.TempDir()

	u, err := url.Parse(s.URL)
	require.NoError(t, err)
	ledger, err := storage.NewBadgerLedger(t.TempDir(), u.Host, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	h := newTestHarvester(t, &config.AppConfig{EnableManifest: true}, ledger)
	result, err := h.Run(context.Background(), request(s.URL+"/", out))
	require.NoError(t, err)

	m, err := output.ReadManifest(filepath.Join(out, config.DefaultManifestFilename))
	require.NoError(t, err)
	assert.Equal(t, result.RunID, m.Result.RunID)
	assert.Equal(t, 1, m.TotalSaved)
	assert.Equal(t, 1, m.TotalFailed)

	status, entry, err := ledger.CheckImageStatus(s.URL + "/a.png")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusSuccess, status)
	assert.Equal(t, result.RunID, entry.RunID)
	assert.Equal(t, filepath.Join(out, "root_1_a.png"), entry.LocalPath)

	status, entry, err = ledger.CheckImageStatus(s.URL + "/b.png")
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusFailure, status)
	assert.Equal(t, "HTTP_404", entry.ErrorType)

	linkStatus, linkEntry, err := ledger.CheckLinkStatus(s.URL + "/p")
	require.NoError(t, err)
	assert.Equal(t, models.LinkStatusRouted, linkStatus)
	assert.Equal(t, models.LinkKindHTMLPage, linkEntry.Kind)
}

func TestEligibleLinks(t *testing.T) {
	root, _ := url.Parse("http://Example.com:80/")
	links := []models.LinkCandidate{
		{URL: "http://example.com/a", Origin: "example.com", Index: 1},
		{URL: "http://other.com/b", Origin: "other.com", Index: 2},
		{URL: "https://example.com/c", Origin: "example.com", Index: 3},
	}

	same := eligibleLinks(links, root, true)
	require.Len(t, same, 2)
	assert.Equal(t, "http://example.com/a", same[0].URL)
	assert.Equal(t, 1, same[0].Index)
	assert.Equal(t, "https://example.com/c", same[1].URL)
	assert.Equal(t, 2, same[1].Index, "indexes count eligible links only")

	all := eligibleLinks(links, root, false)
	assert.Len(t, all, 3)
	assert.Equal(t, 3, all[2].Index)
}
