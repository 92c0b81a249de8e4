package harvest

import (
	"cmp"
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"img-harvester/pkg/config"
	"img-harvester/pkg/fetch"
	"img-harvester/pkg/models"
	"img-harvester/pkg/output"
	"img-harvester/pkg/parse"
	"img-harvester/pkg/process"
	"img-harvester/pkg/storage"
	"img-harvester/pkg/utils"
)

// ResourceFetcher retrieves one URL per call
type ResourceFetcher interface {
	Fetch(ctx context.Context, rawURL string, mode fetch.FetchMode) (*models.FetchedResource, error)
	MaxPageBytes() int64
}

// ImageSaver persists a streamed image under dir/filename and closes the body
type ImageSaver interface {
	Save(res *models.FetchedResource, dir, filename string) (*models.SavedImage, error)
}

// Harvester runs bounded one-hop image harvests.
// A Harvester may be reused for several runs; each Run has its own state.
type Harvester struct {
	appCfg  *config.AppConfig
	fetcher ResourceFetcher
	writer  ImageSaver
	ledger  storage.Ledger // Optional
	log     *logrus.Entry
	clock   func() time.Time

	linkWorkers  int
	imageWorkers int
}

// NewHarvester wires a Harvester. ledger may be nil to disable outcome recording.
func NewHarvester(appCfg *config.AppConfig, fetcher ResourceFetcher, writer ImageSaver, ledger storage.Ledger, log *logrus.Entry) *Harvester {
	linkWorkers := appCfg.NumLinkWorkers
	if linkWorkers <= 0 {
		linkWorkers = 1
	}
	imageWorkers := appCfg.NumImageWorkers
	if imageWorkers <= 0 {
		imageWorkers = 1
	}
	return &Harvester{
		appCfg:       appCfg,
		fetcher:      fetcher,
		writer:       writer,
		ledger:       ledger,
		log:          log.WithField("component", "harvester"),
		clock:        time.Now,
		linkWorkers:  linkWorkers,
		imageWorkers: imageWorkers,
	}
}

// orderKey places a record in document order: link 0 is the root page,
// item 0 is the link itself.
type orderKey struct {
	link int
	item int
}

func compareKeys(a, b orderKey) int {
	if c := cmp.Compare(a.link, b.link); c != 0 {
		return c
	}
	return cmp.Compare(a.item, b.item)
}

// run holds the mutable state of one Run call
type run struct {
	id     string
	req    models.HarvestRequest
	dir    string
	log    *logrus.Entry
	result *models.HarvestResult

	mu       sync.Mutex
	images   []keyed[models.SavedImage]
	links    []models.LinkOutcome
	failures []keyed[models.Failure]

	routed     atomic.Int64
	pageImages atomic.Int64
}

type keyed[T any] struct {
	key orderKey
	val T
}

// Run performs one harvest of req.RootURL.
// Only an invalid request, an unusable output location and an unreachable
// root page are returned as errors; every other failure is recorded in the result.
func (h *Harvester) Run(ctx context.Context, req models.HarvestRequest) (*models.HarvestResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrConfigValidation, err)
	}
	rootURL, err := url.Parse(req.RootURL)
	if err != nil {
		return nil, fmt.Errorf("%w: URL: %w", utils.ErrParsing, err)
	}

	runID := uuid.New().String()
	runLog := h.log.WithField("run_id", runID)
	startedAt := h.clock()

	// Init: the output location exists before the first request goes out
	outDir, err := output.PrepareLocation(req.OutputRoot, req.DatedSubfolder, startedAt)
	if err != nil {
		runLog.Errorf("Cannot prepare output location: %v", err)
		return nil, err
	}
	runLog.Infof("Saving images to %s", outDir)

	r := &run{
		id:  runID,
		req: req,
		dir: outDir,
		log: runLog,
		result: &models.HarvestResult{
			RunID:     runID,
			RootURL:   req.RootURL,
			OutputDir: outDir,
			StartedAt: startedAt,
		},
	}

	// RootFetched
	rootRes, err := h.fetcher.Fetch(ctx, req.RootURL, fetch.FetchWhole)
	if err != nil {
		runLog.Errorf("Error fetching root URL %s: %v", req.RootURL, err)
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrRootUnreachable, req.RootURL, err)
	}
	rootBase := rootRes.FinalURL
	if rootBase == nil {
		rootBase = rootURL
	}

	doc, err := process.ParseDocument(rootRes.Data)
	if err != nil {
		runLog.Errorf("Cannot parse root page %s: %v", req.RootURL, err)
		r.addFailure(orderKey{}, models.Failure{
			URL:      req.RootURL,
			Scope:    models.RootScope.String(),
			Stage:    "scan",
			Category: utils.CategorizeError(err),
			Message:  err.Error(),
		})
		return h.finish(r), nil
	}
	scan := process.ScanPage(doc, rootBase, models.RootScope)

	// RootImagesSaved
	r.result.RootImagesFound = scan.ImageElements
	runLog.Infof("Found %d images on root page %s", scan.ImageElements, req.RootURL)
	h.saveImages(ctx, r, scan.Images, func(ref models.ImageReference) string {
		return process.RootImageName(ref.Index, parse.DeriveFilename(ref.URL))
	})

	// LinksEnumerated
	eligible := eligibleLinks(scan.Links, rootURL, req.SameOriginOnly)
	r.result.LinksFound = scan.AnchorElements
	r.result.LinksEligible = len(eligible)
	runLog.Infof("Found %d links on %s (%d eligible)", scan.AnchorElements, req.RootURL, len(eligible))

	h.processLinks(ctx, r, eligible)

	result := h.finish(r)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	if h.appCfg.EnableManifest {
		manifestPath, err := output.WriteManifest(outDir, config.GetEffectiveManifestFilename(*h.appCfg), req, result)
		if err != nil {
			runLog.Warnf("Failed to write manifest: %v", err)
		} else {
			runLog.Infof("Manifest written to %s", manifestPath)
		}
	}
	return result, nil
}

// eligibleLinks applies the origin filter and numbers the survivors 1..n in document order
func eligibleLinks(links []models.LinkCandidate, root *url.URL, sameOriginOnly bool) []models.LinkCandidate {
	rootOrigin := parse.Origin(root)
	eligible := make([]models.LinkCandidate, 0, len(links))
	for _, link := range links {
		if sameOriginOnly && link.Origin != rootOrigin {
			continue
		}
		link.Index = len(eligible) + 1
		eligible = append(eligible, link)
	}
	return eligible
}

// processLinks dispatches eligible links on the link worker pool.
// With a bound K, a budget slot is reserved before each fetch. A failed fetch
// gives its slot back; a routed link keeps it. Dispatch stops once K links
// have been routed, so the link past the bound is never fetched.
func (h *Harvester) processLinks(ctx context.Context, r *run, links []models.LinkCandidate) {
	if len(links) == 0 {
		return
	}

	bounded := r.req.LinkBudgetBounded()
	limit := int64(r.req.MaxLinks)
	var budget *semaphore.Weighted
	budgetCtx, budgetExhausted := context.WithCancel(ctx)
	defer budgetExhausted()
	if bounded {
		budget = semaphore.NewWeighted(limit)
	}

	g := new(errgroup.Group)
	g.SetLimit(h.linkWorkers)

	dispatched := 0
	for _, link := range links {
		if bounded {
			if r.routed.Load() >= limit {
				break
			}
			if err := budget.Acquire(budgetCtx, 1); err != nil {
				break
			}
			if r.routed.Load() >= limit {
				budget.Release(1)
				break
			}
		} else if ctx.Err() != nil {
			break
		}

		dispatched++
		g.Go(func() error {
			routed := h.processLink(ctx, r, link)
			if !bounded {
				if routed {
					r.routed.Add(1)
				}
				return nil
			}
			if !routed {
				budget.Release(1)
				return nil
			}
			if r.routed.Add(1) >= limit {
				budgetExhausted()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.result.LinksNotVisited = len(links) - dispatched
	if bounded && r.routed.Load() >= limit && r.result.LinksNotVisited > 0 {
		r.log.Infof("Link budget of %d reached, %d eligible links not visited", limit, r.result.LinksNotVisited)
	}
}

// processLink fetches and classifies one link. Reports whether the link was
// routed into processing, which is what consumes link budget.
func (h *Harvester) processLink(ctx context.Context, r *run, link models.LinkCandidate) bool {
	linkLog := r.log.WithFields(logrus.Fields{"link_index": link.Index, "link_url": link.URL})
	key := orderKey{link: link.Index}
	scope := models.LinkScope(link.Index)

	// Fetched
	res, err := h.fetcher.Fetch(ctx, link.URL, fetch.FetchStream)
	if err != nil {
		category := utils.CategorizeError(err)
		linkLog.Warnf("Error fetching linked page %s: %v", link.URL, err)
		r.addFailure(key, models.Failure{URL: link.URL, Scope: scope.String(), Stage: "fetch", Category: category, Message: err.Error()})
		r.addLink(models.LinkOutcome{Index: link.Index, URL: link.URL, Status: models.LinkStatusFailure.String()})
		h.recordLink(r, link.URL, models.LinkLedgerEntry{Status: models.LinkStatusFailure, ErrorType: category})
		return false
	}

	// Classified
	kind := process.Classify(res.ContentType, link.URL)
	r.addLink(models.LinkOutcome{Index: link.Index, URL: link.URL, Kind: kind, Status: models.LinkStatusRouted.String()})
	h.recordLink(r, link.URL, models.LinkLedgerEntry{Status: models.LinkStatusRouted, Kind: kind})

	switch kind {
	case models.LinkKindDirectImage:
		filename := process.DirectLinkImageName(link.Index, parse.DeriveFilename(link.URL))
		if h.saveResource(r, res, key, scope, filename, linkLog) {
			linkLog.Infof("  Downloaded direct image link: %s", filename)
		}

	case models.LinkKindHTMLPage:
		data, err := fetch.ReadHTML(res.Body, res.ContentType, h.fetcher.MaxPageBytes())
		res.Close()
		if err != nil {
			fetchErr := &utils.FetchError{URL: link.URL, Cause: err}
			linkLog.Warnf("Error reading linked page %s: %v", link.URL, fetchErr)
			r.addFailure(key, models.Failure{URL: link.URL, Scope: scope.String(), Stage: "fetch", Category: utils.CategorizeError(fetchErr), Message: fetchErr.Error()})
			return true
		}
		doc, err := process.ParseDocument(data)
		if err != nil {
			linkLog.Warnf("Cannot parse linked page %s: %v", link.URL, err)
			r.addFailure(key, models.Failure{URL: link.URL, Scope: scope.String(), Stage: "scan", Category: utils.CategorizeError(err), Message: err.Error()})
			return true
		}

		base := res.FinalURL
		if base == nil {
			base, _ = url.Parse(link.URL)
		}
		// PageScanned
		page := process.ScanPage(doc, base, scope)
		r.pageImages.Add(int64(page.ImageElements))
		linkLog.Infof("  Link %d: %s - %d images", link.Index, link.URL, page.ImageElements)

		h.saveImages(ctx, r, page.Images, func(ref models.ImageReference) string {
			return process.PageImageName(link.Index, ref.Index, parse.DeriveFilename(ref.URL))
		})

	default:
		res.Close()
		linkLog.Errorf("Unhandled link kind %q", kind)
	}
	return true
}

// saveImages fetches and saves refs on the image worker pool.
// A failing image never stops its siblings.
func (h *Harvester) saveImages(ctx context.Context, r *run, refs []models.ImageReference, name func(models.ImageReference) string) {
	g := new(errgroup.Group)
	g.SetLimit(h.imageWorkers)
	for _, ref := range refs {
		g.Go(func() error {
			h.saveImage(ctx, r, ref, name(ref))
			return nil
		})
	}
	_ = g.Wait()
}

// saveImage is PerPageImage: Fetched -> Saved for one reference
func (h *Harvester) saveImage(ctx context.Context, r *run, ref models.ImageReference, filename string) {
	imgLog := r.log.WithFields(logrus.Fields{"scope": ref.Scope.String(), "img_url": ref.URL})
	key := orderKey{link: ref.Scope.LinkIndex, item: ref.Index}

	res, err := h.fetcher.Fetch(ctx, ref.URL, fetch.FetchStream)
	if err != nil {
		category := utils.CategorizeError(err)
		imgLog.Warnf("  Error downloading %s: %v", ref.URL, err)
		r.addFailure(key, models.Failure{URL: ref.URL, Scope: ref.Scope.String(), Stage: "fetch", Category: category, Message: err.Error()})
		h.recordImage(r, ref.URL, models.ImageLedgerEntry{Status: models.ImageStatusFailure, ErrorType: category})
		return
	}
	if h.saveResource(r, res, key, ref.Scope, filename, imgLog) {
		if ref.Scope.IsRoot() {
			imgLog.Infof("  Saved root image: %s", filename)
		} else {
			imgLog.Infof("    Downloaded: %s", filename)
		}
	}
}

// saveResource writes an already fetched image body and records the outcome
func (h *Harvester) saveResource(r *run, res *models.FetchedResource, key orderKey, scope models.Scope, filename string, log *logrus.Entry) bool {
	saved, err := h.writer.Save(res, r.dir, filename)
	if err != nil {
		category := utils.CategorizeError(err)
		log.Warnf("  Error saving %s: %v", res.URL, err)
		r.addFailure(key, models.Failure{URL: res.URL, Scope: scope.String(), Stage: "write", Category: category, Message: err.Error()})
		h.recordImage(r, res.URL, models.ImageLedgerEntry{Status: models.ImageStatusFailure, ErrorType: category})
		return false
	}
	saved.Scope = scope.String()
	r.addImage(key, *saved)
	h.recordImage(r, res.URL, models.ImageLedgerEntry{
		Status:    models.ImageStatusSuccess,
		LocalPath: filepath.Join(r.dir, saved.File),
		Bytes:     saved.Bytes,
	})
	return true
}

func (r *run) addImage(key orderKey, img models.SavedImage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = append(r.images, keyed[models.SavedImage]{key: key, val: img})
}

func (r *run) addFailure(key orderKey, f models.Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, keyed[models.Failure]{key: key, val: f})
}

func (r *run) addLink(outcome models.LinkOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links = append(r.links, outcome)
}

// recordImage stores an image outcome in the ledger, if one is configured
func (h *Harvester) recordImage(r *run, rawURL string, entry models.ImageLedgerEntry) {
	if h.ledger == nil {
		return
	}
	key := ledgerKey(rawURL)
	if prev, prevEntry, err := h.ledger.CheckImageStatus(key); err == nil && prev == models.ImageStatusSuccess && prevEntry.RunID != r.id {
		r.log.WithField("img_url", rawURL).Debugf("Image was already saved by run %s", prevEntry.RunID)
	}
	entry.RunID = r.id
	entry.LastAttempt = h.clock()
	if err := h.ledger.RecordImage(key, &entry); err != nil {
		r.log.WithField("img_url", rawURL).Warnf("Failed to record image outcome: %v", err)
	}
}

// recordLink stores a link outcome in the ledger, if one is configured
func (h *Harvester) recordLink(r *run, rawURL string, entry models.LinkLedgerEntry) {
	if h.ledger == nil {
		return
	}
	entry.RunID = r.id
	entry.LastAttempt = h.clock()
	if err := h.ledger.RecordLink(ledgerKey(rawURL), &entry); err != nil {
		r.log.WithField("link_url", rawURL).Warnf("Failed to record link outcome: %v", err)
	}
}

func ledgerKey(rawURL string) string {
	normalized, _, err := parse.ParseAndNormalize(rawURL)
	if err != nil {
		return rawURL
	}
	return normalized
}

// finish orders the collected records and logs the summary
func (h *Harvester) finish(r *run) *models.HarvestResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	slices.SortStableFunc(r.images, func(a, b keyed[models.SavedImage]) int { return compareKeys(a.key, b.key) })
	slices.SortStableFunc(r.failures, func(a, b keyed[models.Failure]) int { return compareKeys(a.key, b.key) })
	slices.SortStableFunc(r.links, func(a, b models.LinkOutcome) int { return cmp.Compare(a.Index, b.Index) })

	result := r.result
	result.Images = make([]models.SavedImage, 0, len(r.images))
	for _, img := range r.images {
		result.Images = append(result.Images, img.val)
	}
	for _, f := range r.failures {
		result.Failures = append(result.Failures, f.val)
	}
	result.Links = r.links
	result.LinksProcessed = int(r.routed.Load())
	result.PageImagesFound = int(r.pageImages.Load())
	result.FinishedAt = h.clock()

	h.logSummary(r.log, result)
	return result
}

// logSummary logs a summary of the run
func (h *Harvester) logSummary(log *logrus.Entry, result *models.HarvestResult) {
	rootSaved := 0
	for _, img := range result.Images {
		if img.Scope == models.RootScope.String() {
			rootSaved++
		}
	}

	log.Info("============================================")
	log.Infof("Harvest of %s completed in %v", result.RootURL, result.Duration().Round(time.Millisecond))
	log.Infof("  Root page: %d images found, %d saved", result.RootImagesFound, rootSaved)
	log.Infof("  Links: %d found, %d eligible, %d processed, %d not visited", result.LinksFound, result.LinksEligible, result.LinksProcessed, result.LinksNotVisited)
	log.Infof("  Linked pages: %d images found", result.PageImagesFound)
	log.Info("--------------------------------------------")
	log.Infof("Total: %d images saved, %d failures", len(result.Images), len(result.Failures))
	log.Infof("Output directory: %s", result.OutputDir)
	log.Info("============================================")
}
