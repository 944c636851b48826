package commonregister

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/mmcdole/gofeed"
	"github.com/pkg/errors"

	"github.com/blingmoon/activity-workflow/workflow"
)

const (
	RSSCacheKey     = "RSSCacheKey"
	VersionCacheKey = "VersionCacheKey"
)

// ReadFeed 下载 atom feed, 解析之后放到 RSSCacheKey
type ReadFeed struct {
	url    string
	client *http.Client
}

func NewReadFeed(url string, client *http.Client) *ReadFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &ReadFeed{url: url, client: client}
}

func (a *ReadFeed) Description() string {
	return fmt.Sprintf("Read Caddy RSS feed from url: %s.", a.url)
}

func (a *ReadFeed) IsCancellable() bool {
	return true
}

func (a *ReadFeed) Run(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
	feed, err := a.fetch(ctx)
	if err != nil {
		scope.Logger().ErrorContext(ctx, "exception occurred during reading RSS feed", "url", a.url, "error", err)
		return workflow.ActivityResultFailed, nil
	}
	scope.Cache().Set(RSSCacheKey, feed)
	return workflow.ActivityResultSuccessful, nil
}

func (a *ReadFeed) fetch(ctx context.Context) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "build request failed")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.WithMessage(err, "request feed failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("unexpected status %d", resp.StatusCode)
	}
	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, errors.WithMessage(err, "parse feed failed")
	}
	return feed, nil
}

// GetLatestVersion 取 feed 第一个条目的标题作为最新版本
func GetLatestVersion() workflow.ActivityWorker {
	return workflow.NewNormalActivityWorker("Get latest version from RSS feed", true,
		func(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
			feed, ok := workflow.TryReadCache[*gofeed.Feed](scope.Cache(), RSSCacheKey)
			if !ok || feed == nil || len(feed.Items) == 0 {
				scope.Logger().ErrorContext(ctx, "exception occurred during reading version from RSS feed", "key", RSSCacheKey)
				return workflow.ActivityResultFailed, nil
			}
			scope.Cache().Set(VersionCacheKey, feed.Items[0].Title)
			return workflow.ActivityResultSuccessful, nil
		})
}

func PrintLatestVersion(w io.Writer) workflow.ActivityWorker {
	return workflow.NewNormalActivityWorker("Print latest version", true,
		func(ctx context.Context, scope *workflow.ActivityScope) (workflow.ActivityResult, error) {
			version, ok := workflow.TryReadCache[string](scope.Cache(), VersionCacheKey)
			if !ok {
				scope.Logger().ErrorContext(ctx, "latest version is missing", "key", VersionCacheKey)
				return workflow.ActivityResultFailed, nil
			}
			if _, err := fmt.Fprintf(w, "Latest Caddy Version: %s\n", version); err != nil {
				return workflow.ActivityResultFailed, errors.WithMessage(err, "print version failed")
			}
			scope.PublishEvent(version)
			return workflow.ActivityResultSuccessful, nil
		})
}

// NewCaddyVersionWorkflow 读取 feed -> 解析最新版本 -> 打印
func NewCaddyVersionWorkflow(feedURL string, client *http.Client, out io.Writer) (*workflow.Workflow, error) {
	wf := workflow.NewWorkflow("get latest caddy version", nil, workflow.WithWorkflowType("caddy_version"))
	if err := wf.Do(workflow.NewActivity(NewReadFeed(feedURL, client)), workflow.WithCompletionPercentage(50)); err != nil {
		return nil, errors.WithMessage(err, "add read feed activity failed")
	}
	if err := wf.Do(workflow.NewActivity(GetLatestVersion()), workflow.WithCompletionPercentage(80)); err != nil {
		return nil, errors.WithMessage(err, "add get latest version activity failed")
	}
	if err := wf.Do(workflow.NewActivity(PrintLatestVersion(out)), workflow.WithCompletionPercentage(100)); err != nil {
		return nil, errors.WithMessage(err, "add print latest version activity failed")
	}
	return wf, nil
}
