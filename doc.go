/*
Package crxrepo is a daemon for mirroring browser extensions.

crx-repo polls upstream extension stores for new releases, keeps the
downloaded packages in a local cache, and serves them to browsers over
the Omaha update-check protocol. Features include:
  - Periodic update checks against the Chrome Web Store
  - SHA-256 verification of downloaded packages
  - Atomic cache updates with staging files and file locking
  - Filesystem watching so externally added packages are served too
  - TCP, unix socket, and TLS listeners

The main packages are:

	github.com/crx-repo/crx-repo/internal/omaha   - Omaha update protocol types and version handling
	github.com/crx-repo/crx-repo/internal/mirror  - Cache, pollers, and the HTTP server
	github.com/crx-repo/crx-repo/cmd/crx-repo     - Command-line interface
*/
package crxrepo
