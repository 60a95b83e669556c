package browser

import "strings"

// AdBlocker decides whether a frame's URL matches an ad-network pattern, so
// filterFrames can exclude ad iframes from link extraction. The crawl core
// only needs the narrow predicate; rule-source loading is out of scope (see
// spec's external-collaborator list).
type AdBlocker interface {
	IsAd(url string) bool
}

// noopAdBlocker never classifies a frame as an ad; used when blockAds is
// disabled.
type noopAdBlocker struct{}

func (noopAdBlocker) IsAd(string) bool { return false }

// NoAdBlocking is the default AdBlocker.
var NoAdBlocking AdBlocker = noopAdBlocker{}

// FilterFrames returns the frames eligible for link extraction: the main
// frame, plus any IFRAME/FRAME-enclosed frame whose URL is not about:blank
// and which isn't classified as an ad by blocker.
func FilterFrames(frames []Frame, blocker AdBlocker) []Frame {
	if blocker == nil {
		blocker = NoAdBlocking
	}

	var out []Frame
	for _, f := range frames {
		if f.IsMain {
			out = append(out, f)
			continue
		}
		if f.NodeName != "" && f.NodeName != "IFRAME" && f.NodeName != "FRAME" {
			continue
		}
		if f.URL == "" || strings.HasPrefix(f.URL, "about:blank") {
			continue
		}
		if blocker.IsAd(f.URL) {
			continue
		}
		out = append(out, f)
	}
	return out
}
