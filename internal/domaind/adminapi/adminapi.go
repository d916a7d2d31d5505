// Package adminapi exposes the read-mostly operational surface of
// §2.9: list live instances, query a single one, read its panic
// count, and trigger an update or unload. It is the generalisation of
// the teacher's internal/jvp/api/instance.go REST-over-gin shape onto
// this repository's domain lifecycle, reusing the adapted pkg/ginx
// helpers unchanged.
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/jimyag/domaind/pkg/apierror"
	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/domainid"
	"github.com/jimyag/domaind/pkg/ginx"
	"github.com/jimyag/domaind/pkg/registry"
)

// Hooks is the subset of the daemon's syscall-bridge wiring this
// surface needs. Declared as an interface, rather than importing
// internal/domaind/syscallbridge directly, so the router can be
// tested against a fake and so adminapi stays a leaf package relative
// to the daemon's composition root.
type Hooks interface {
	Update(oldIdent, newElfIdent string, typeTag capability.DomainTypeTag) error
	Unload(instanceIdent string) error
}

// API is the admin HTTP surface: one gin engine fronting the
// registry's instance table and InfoBook.
type API struct {
	engine *gin.Engine
	server *http.Server

	registry *registry.Registry
	hooks    Hooks
}

// New wires an API around reg and hooks, listening on addr.
func New(reg *registry.Registry, hooks Hooks, addr string) *API {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.Default()

	a := &API{engine: engine, registry: reg, hooks: hooks}

	domains := engine.Group("/domains")
	domains.GET("", ginx.Adapt3(a.listDomains))
	domains.GET("/:id", ginx.Adapt3(a.getDomain))
	domains.GET("/:id/panics", ginx.Adapt3(a.getPanics))
	domains.POST("/:id/update", ginx.Adapt4(a.updateDomain))
	domains.POST("/:id/unload", ginx.Adapt4(a.unloadDomain))

	printRoutes(engine)

	a.server = &http.Server{Addr: addr, Handler: engine}
	return a
}

func printRoutes(engine *gin.Engine) {
	routes := engine.Routes()
	if len(routes) == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "\n[admin API routes]\n")
	for _, route := range routes {
		fmt.Fprintf(os.Stdout, "%-8s %s\n", route.Method, route.Path)
	}
	fmt.Fprintln(os.Stdout)
}

// domainSummary is what GET /domains and GET /domains/:id render: the
// InfoBook projection plus the registry's view of which ELF backs it.
type domainSummary struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	PanicCount uint64 `json:"panic_count"`
	FileName   string `json:"file_name"`
}

func toSummary(entry capability.InfoBookEntry) domainSummary {
	return domainSummary{
		ID:         uint64(entry.ID),
		Name:       entry.Name,
		Type:       entry.Type.String(),
		PanicCount: entry.PanicCount,
		FileName:   entry.FileName,
	}
}

func (a *API) listDomains(ctx *gin.Context) ([]domainSummary, error) {
	instances := a.registry.Instance.List()
	out := make([]domainSummary, 0, len(instances))
	for _, inst := range instances {
		entry, ok := a.registry.Info.QueryByID(inst.ID)
		if !ok {
			continue
		}
		out = append(out, toSummary(entry))
	}
	return out, nil
}

func (a *API) getDomain(ctx *gin.Context) (domainSummary, error) {
	entry, err := a.lookup(ctx.Param("id"))
	if err != nil {
		return domainSummary{}, apierror.FromDerr(err)
	}
	return toSummary(entry), nil
}

// panicsResponse is GET /domains/:id/panics's body, the narrow
// projection §6.3's "query the domain-info book" calls out
// explicitly for monitoring a flapping domain.
type panicsResponse struct {
	ID         uint64 `json:"id"`
	PanicCount uint64 `json:"panic_count"`
}

func (a *API) getPanics(ctx *gin.Context) (panicsResponse, error) {
	entry, err := a.lookup(ctx.Param("id"))
	if err != nil {
		return panicsResponse{}, apierror.FromDerr(err)
	}
	return panicsResponse{ID: uint64(entry.ID), PanicCount: entry.PanicCount}, nil
}

// updateRequest is POST /domains/:id/update's body: the new ELF to
// hot-swap the named instance onto.
type updateRequest struct {
	NewElfIdent string `json:"new_elf_ident" binding:"required"`
}

func (a *API) updateDomain(ctx *gin.Context, req *updateRequest) error {
	ident := ctx.Param("id")
	entry, err := a.lookup(ident)
	if err != nil {
		return apierror.FromDerr(err)
	}

	logger := zerolog.Ctx(ctx)
	logger.Info().Str("instance", entry.Name).Str("new_elf", req.NewElfIdent).Msg("update requested")

	if err := a.hooks.Update(entry.Name, req.NewElfIdent, entry.Type); err != nil {
		return apierror.FromDerr(err)
	}
	return nil
}

type unloadRequest struct{}

func (a *API) unloadDomain(ctx *gin.Context, _ *unloadRequest) error {
	entry, err := a.lookup(ctx.Param("id"))
	if err != nil {
		return apierror.FromDerr(err)
	}

	logger := zerolog.Ctx(ctx)
	logger.Info().Str("instance", entry.Name).Msg("unload requested")

	if err := a.hooks.Unload(entry.Name); err != nil {
		return apierror.FromDerr(err)
	}
	return nil
}

// lookup resolves the ":id" path parameter against the InfoBook,
// accepting either a numeric DomainId or the instance's registered
// name — operators reach for whichever one they have on hand.
func (a *API) lookup(idOrName string) (capability.InfoBookEntry, error) {
	var id domainid.ID
	if _, err := fmt.Sscanf(idOrName, "%d", &id); err == nil {
		if entry, ok := a.registry.Info.QueryByID(id); ok {
			return entry, nil
		}
	}
	if entry, ok := a.registry.Info.QueryByName(idOrName); ok {
		return entry, nil
	}
	return capability.InfoBookEntry{}, fmt.Errorf("no domain registered under %q", idOrName)
}

// Run starts serving until ctx is cancelled or the server fails.
func (a *API) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// Name satisfies the daemon's named-service convention carried over
// from the teacher's grace.Grace-style services.
func (a *API) Name() string { return "admin API" }
