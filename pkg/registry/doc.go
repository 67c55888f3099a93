// Package registry resolves remote image digests for the image-update check
// and classifies registry rate-limit responses.
package registry
