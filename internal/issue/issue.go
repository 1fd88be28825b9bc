// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

const (
	// None means the error carries no catalog guide.
	None Id = iota
	// LockMismatchId is reported when the lock file disagrees with the manifest.
	LockMismatchId
	// LockMissingId is reported when no lock file exists next to the manifest.
	LockMissingId
	// ContainerEngineNotFoundId is reported when neither docker nor podman is usable.
	ContainerEngineNotFoundId
	// ImageBuildFailedId is reported when a builder or runtime stage fails.
	ImageBuildFailedId
	// ImageVerifyFailedId is reported when the runtime image content is wrong.
	ImageVerifyFailedId
	// ConfigLoadFailedId is reported when the configuration file is invalid.
	ConfigLoadFailedId
	// APIKeyMissingId is reported when the service starts without credentials.
	APIKeyMissingId
)

type (
	// Id identifies a catalog entry.
	Id int

	// MarkdownMsg is guide text in Markdown.
	MarkdownMsg string

	// HttpLink is an external reference shown below a guide.
	HttpLink string

	// Issue is a long-form guide for a class of failures.
	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		extLinks []HttpLink
	}
)

// Id returns the catalog identifier.
func (i *Issue) Id() Id {
	return i.id
}

// MarkdownMsg returns the raw guide.
func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

// ExtLinks returns a copy of the external links.
func (i *Issue) ExtLinks() []HttpLink {
	return slices.Clone(i.extLinks)
}

// Render renders the guide for the terminal using the given glamour style
// ("dark", "light", "notty", "auto" or a path to a JSON style).
func (i *Issue) Render(stylePath string) (string, error) {
	var md strings.Builder
	md.WriteString(string(i.mdMsg))
	if len(i.extLinks) > 0 {
		md.WriteString("\n\n## See also\n")
		for _, link := range i.extLinks {
			md.WriteString("- <" + string(link) + ">\n")
		}
	}
	return render(md.String(), stylePath)
}

var (
	render = glamour.Render

	lockMismatchIssue = &Issue{
		id: LockMismatchId,
		mdMsg: `
# The lock file does not match the manifest

At least one locked dependency does not satisfy the version constraint
declared in the manifest. The build stops here on purpose: re-resolving
silently would make the image irreproducible.

## Things you can try
- For Cargo projects, refresh the lock file and commit it:
~~~
$ cargo update -w
~~~
- For Go modules, re-sync go.sum:
~~~
$ go mod tidy
~~~
- Run the check again:
~~~
$ aicalamba lock check
~~~`,
	}

	lockMissingIssue = &Issue{
		id: LockMissingId,
		mdMsg: `
# No lock file found

Reproducible builds need a fully pinned dependency graph. Generate the
lock file (Cargo.lock or go.sum) and commit it next to the manifest.`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# No container engine available

aicalamba builds images through the docker or podman CLI and neither
answered.

## Things you can try
- Start the Docker daemon, or install Podman.
- Pick the engine explicitly:
~~~
$ aicalamba image build --engine podman
~~~`,
		extLinks: []HttpLink{"https://docs.docker.com/engine/install/", "https://podman.io/docs/installation"},
	}

	imageBuildFailedIssue = &Issue{
		id: ImageBuildFailedId,
		mdMsg: `
# The image build failed

A compile error, link error, dependency fetch error or package
installation error aborted the build. No runtime image was tagged.

## Things you can try
- Re-run with ` + "`--verbose`" + ` to stream the engine output.
- Build the project locally in release mode to reproduce the error.`,
	}

	imageVerifyFailedIssue = &Issue{
		id: ImageVerifyFailedId,
		mdMsg: `
# The runtime image failed verification

The final image must contain only the compiled artifact, the trust
store and the TLS runtime. It must start the artifact as its entry point.
The tag was removed so the broken image cannot be used by mistake.`,
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# The configuration could not be loaded

## Things you can try
- Print the effective configuration:
~~~
$ aicalamba config show
~~~
- Write a fresh default file:
~~~
$ aicalamba config init
~~~`,
		extLinks: []HttpLink{"https://cuelang.org/docs/"},
	}

	apiKeyMissingIssue = &Issue{
		id: APIKeyMissingId,
		mdMsg: `
# Missing API credentials

The service needs ` + "`OPENAI_KEY`" + ` for the language model and
` + "`APIFLASH_KEY`" + ` for URL screenshots. Export them or put them in a
` + "`.env`" + ` file in the working directory.`,
		extLinks: []HttpLink{"https://apiflash.com/documentation"},
	}

	issues = map[Id]*Issue{
		lockMismatchIssue.Id():            lockMismatchIssue,
		lockMissingIssue.Id():             lockMissingIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		imageBuildFailedIssue.Id():        imageBuildFailedIssue,
		imageVerifyFailedIssue.Id():       imageVerifyFailedIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
		apiKeyMissingIssue.Id():           apiKeyMissingIssue,
	}
)

// Values returns every catalog entry ordered by Id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].id < out[b].id })
	return out
}

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}
