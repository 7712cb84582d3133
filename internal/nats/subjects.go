package nats

// 默认主题
const (
	SubjectUpstream         = "im.inbox.upstream"
	QueueGroupInbox         = "inbox-group"
	DefaultDownstreamPrefix = "im.inbox.viewer."
)

// BuildViewerSubject 构建 viewer 的下行事件主题
func BuildViewerSubject(prefix, viewerID string) string {
	if prefix == "" {
		prefix = DefaultDownstreamPrefix
	}
	return prefix + viewerID
}
