package worker

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/photomate/imagecache/internal/cache"
	"github.com/photomate/imagecache/internal/logging"
)

// 控制消息与确认消息的类型。
const (
	MessageDeleteImage    = "DELETE_IMAGE"
	MessageClearAllImages = "CLEAR_ALL_IMAGES"
	ConfirmImageDeleted   = "IMAGE_DELETED"
	ConfirmCacheCleared   = "CACHE_CLEARED"
)

const clearConcurrency = 16

// Message 是应用发往 worker 的控制消息。
type Message struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Confirmation 是 worker 回给发送方的确认。
type Confirmation struct {
	Type    string `json:"type"`
	URL     string `json:"url,omitempty"`
	Success bool   `json:"success"`
}

// Replier 代表消息的发送方上下文。
type Replier interface {
	PostMessage(Confirmation)
}

// ReplierFunc 将函数适配为 Replier。
type ReplierFunc func(Confirmation)

// PostMessage 实现 Replier。
func (f ReplierFunc) PostMessage(msg Confirmation) {
	f(msg)
}

// HandleMessage 处理控制消息并在完成后回复发送方，返回消息是否被识别。
// 存储错误只记录日志，回复始终为 success=true：缓存缺失不是用户可见的错误。
func (w *Worker) HandleMessage(ctx context.Context, msg Message, reply Replier) bool {
	switch msg.Type {
	case MessageDeleteImage:
		target := strings.TrimSpace(msg.URL)
		if target == "" {
			return false
		}
		w.observer.ObserveMessage(msg.Type)
		w.deleteImage(ctx, target)
		postReply(reply, Confirmation{Type: ConfirmImageDeleted, URL: target, Success: true})
		return true
	case MessageClearAllImages:
		w.observer.ObserveMessage(msg.Type)
		w.clearAll(ctx)
		postReply(reply, Confirmation{Type: ConfirmCacheCleared, Success: true})
		return true
	default:
		return false
	}
}

func (w *Worker) deleteImage(ctx context.Context, target string) {
	key := cache.NewKey(http.MethodGet, target)
	fields := logging.CacheFields("delete_image", w.cacheName, logKey(key))

	store, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("cache_open_failed")
		return
	}
	existed, err := store.Delete(ctx, key)
	if err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("cache_delete_failed")
		return
	}
	fields["existed"] = existed
	w.logger.WithFields(fields).Info("cache_image_deleted")
}

func (w *Worker) clearAll(ctx context.Context) {
	fields := logging.CacheFields("clear_all", w.cacheName, "")

	store, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("cache_open_failed")
		return
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("cache_keys_failed")
		return
	}

	var g errgroup.Group
	g.SetLimit(clearConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			_, err := store.Delete(ctx, key)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		w.logger.WithError(err).WithFields(fields).Warn("cache_clear_failed")
		return
	}
	fields["deleted"] = len(keys)
	w.logger.WithFields(fields).Info("cache_cleared")
}

func postReply(reply Replier, msg Confirmation) {
	if reply != nil {
		reply.PostMessage(msg)
	}
}
