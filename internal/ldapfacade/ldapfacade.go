// Package ldapfacade wires [backend.Backend] operations to a [gldap.Mux],
// translating wire requests into backend calls and backend errors into
// LDAP result codes, generalising the teacher's server.go from its two
// read-only handlers (bind, search) to the full Add/Delete/Modify/
// ModifyDN/Search surface.
package ldapfacade

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/jimlambrt/gldap"

	"github.com/foxygoat/flapjakd/internal/backend"
	"github.com/foxygoat/flapjakd/internal/dn"
	"github.com/foxygoat/flapjakd/internal/entry"
	"github.com/foxygoat/flapjakd/internal/filter"
	"github.com/foxygoat/flapjakd/internal/store"
)

// subtreeDeleteControlOID is the OID a client sets on a delete request to
// ask for whole-subtree deletion, per SupportedControls.
const subtreeDeleteControlOID = "1.2.840.113556.1.4.805"

// Server wraps a gldap.Server routed to a Backend, the generalisation of
// teacher's Server{ldap *gldap.Server, db *DB}.
type Server struct {
	ldap *gldap.Server
	be   *backend.Backend
}

// New builds a Server and registers every handler on a fresh gldap.Mux,
// exactly as teacher's NewServer does for Bind/Search.
func New(be *backend.Backend) (*Server, error) {
	ls, err := gldap.NewServer()
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	m, err := gldap.NewMux()
	if err != nil {
		return nil, fmt.Errorf("failed to create mux: %w", err)
	}

	s := &Server{ldap: ls, be: be}

	m.Bind(s.handleBind)         //nolint:errcheck,gosec // cannot error
	m.Search(s.handleSearch)     //nolint:errcheck,gosec // cannot error
	m.Add(s.handleAdd)           //nolint:errcheck,gosec // cannot error
	m.Delete(s.handleDelete)     //nolint:errcheck,gosec // cannot error
	m.Modify(s.handleModify)     //nolint:errcheck,gosec // cannot error
	m.ModifyDN(s.handleModifyDN) //nolint:errcheck,gosec // cannot error
	ls.Router(m)                 //nolint:errcheck,gosec // cannot error

	return s, nil
}

// Run listens and serves until the listener is stopped.
func (s *Server) Run(listen string) error {
	slog.Info("Server listening", "address", listen)
	return s.ldap.Run(listen)
}

func (s *Server) handleBind(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewBindResponse(gldap.WithResponseCode(gldap.ResultInvalidCredentials))
	defer w.Write(resp) //nolint:errcheck // not much to do if it fails

	m, err := r.GetSimpleBindMessage()
	if err != nil {
		slog.Error("bind with non-bind message", "error", err.Error())
		return
	}

	switch {
	case m.UserName == "" && m.Password == "":
		slog.Info("anonymous bind")
	case m.UserName != "" && m.Password != "":
		bindDN, err := dn.New(m.UserName)
		if err != nil {
			slog.Error("bind with invalid DN", "error", err.Error(), "username", m.UserName)
			return
		}
		e, ok := s.be.GetEntry(bindDN)
		if !ok {
			slog.Error("bind with unknown DN", "username", m.UserName)
			return
		}
		if err := e.Authenticate(string(m.Password)); err != nil {
			slog.Error("bind failed", "username", m.UserName, "error", err)
			return
		}
		slog.Info("simple bind", "username", m.UserName)
	case m.UserName == "":
		slog.Error("invalid bind: missing username")
		return
	case m.Password == "":
		slog.Error("invalid bind: missing password")
		return
	}
	resp.SetResultCode(gldap.ResultSuccess)
}

func (s *Server) handleSearch(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewSearchDoneResponse()
	defer w.Write(resp) //nolint:errcheck // not much to do if it fails

	req, err := r.GetSearchMessage()
	if err != nil {
		slog.Error("search with non-search message", "error", err.Error())
		return
	}
	slog.Info("search request", "baseDN", req.BaseDN, "scope", req.Scope, "filter", req.Filter)

	baseDN, err := dn.New(req.BaseDN)
	if err != nil {
		slog.Error("search with invalid DN", "error", err.Error(), "dn", req.BaseDN)
		resp.SetResultCode(gldap.ResultInvalidDNSyntax)
		return
	}

	if baseDN.IsEmpty() && req.Scope == gldap.BaseObject {
		attrMap := map[string][]string{
			"supportedLDAPVersion": {"3"},
			"supportedControl":     backend.SupportedControls,
			"supportedFeatures":    backend.SupportedFeatures,
		}
		if cfg := s.be.Config(); !cfg.IsPrivateBackend {
			attrMap["namingContexts"] = []string{cfg.BaseDN.String()}
		}
		re := r.NewSearchResponseEntry("", gldap.WithAttributes(attrMap))
		if err := w.Write(re); err != nil {
			slog.Error("failed to write root DSE response", "error", err.Error())
			return
		}
		resp.SetResultCode(gldap.ResultSuccess)
		return
	}

	f, err := filter.Parse(req.Filter)
	if err != nil {
		slog.Error("invalid filter", "filter", req.Filter, "error", err)
		resp.SetResultCode(gldap.ResultFilterError)
		return
	}

	scope, ok := toScope(req.Scope)
	if !ok {
		slog.Error("unsupported scope", "scope", req.Scope)
		resp.SetResultCode(gldap.ResultNotSupported)
		return
	}

	results, err := s.be.Search(baseDN, scope, f)
	if err != nil {
		slog.Error("search failed", "basedn", baseDN.String(), "error", err)
		resp.SetResultCode(backend.ToLDAPError(err).ResultCode())
		return
	}

	for _, e := range results {
		attrs := maps.Keys(e.Attrs)
		if len(req.Attributes) > 0 && req.Attributes[0] != "*" {
			attrs = slices.Values(req.Attributes)
		}
		attrMap := map[string][]string{}
		for attrName := range attrs {
			if a, ok := e.GetAttr(attrName); ok && !a.IsSensitive() {
				attrMap[a.Name] = ifEmpty(req.TypesOnly, a.Vals)
			}
		}

		re := r.NewSearchResponseEntry(e.DN.String(), gldap.WithAttributes(attrMap))
		if err := w.Write(re); err != nil {
			slog.Error("failed to write search response", "error", err.Error())
			return
		}
	}

	resp.SetResultCode(gldap.ResultSuccess)
}

func (s *Server) handleAdd(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewAddResponse()
	defer w.Write(resp) //nolint:errcheck // not much to do if it fails

	m, err := r.GetAddMessage()
	if err != nil {
		slog.Error("add with non-add message", "error", err.Error())
		resp.SetResultCode(gldap.ResultProtocolError)
		return
	}

	addDN, err := dn.New(m.DN)
	if err != nil {
		resp.SetResultCode(gldap.ResultInvalidDNSyntax)
		return
	}

	fields := map[string]any{"dn": m.DN}
	for name, vals := range m.Attributes {
		fields[name] = vals
	}
	e, err := entry.NewFromMap(fields)
	if err != nil {
		slog.Error("add with invalid entry", "dn", addDN.String(), "error", err)
		resp.SetResultCode(gldap.ResultInvalidAttributeSyntax)
		return
	}

	if err := s.be.Add(e); err != nil {
		slog.Error("add failed", "dn", addDN.String(), "error", err)
		resp.SetResultCode(backend.ToLDAPError(err).ResultCode())
		return
	}
	slog.Info("add succeeded", "dn", addDN.String())
	resp.SetResultCode(gldap.ResultSuccess)
}

func (s *Server) handleDelete(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewDeleteResponse()
	defer w.Write(resp) //nolint:errcheck // not much to do if it fails

	m, err := r.GetDeleteMessage()
	if err != nil {
		slog.Error("delete with non-delete message", "error", err.Error())
		resp.SetResultCode(gldap.ResultProtocolError)
		return
	}

	delDN, err := dn.New(m.DN)
	if err != nil {
		resp.SetResultCode(gldap.ResultInvalidDNSyntax)
		return
	}

	allowSubtree := hasControl(r, subtreeDeleteControlOID)
	if err := s.be.Delete(delDN, allowSubtree); err != nil {
		slog.Error("delete failed", "dn", delDN.String(), "error", err)
		resp.SetResultCode(backend.ToLDAPError(err).ResultCode())
		return
	}
	slog.Info("delete succeeded", "dn", delDN.String())
	resp.SetResultCode(gldap.ResultSuccess)
}

func (s *Server) handleModify(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewModifyResponse()
	defer w.Write(resp) //nolint:errcheck // not much to do if it fails

	m, err := r.GetModifyMessage()
	if err != nil {
		slog.Error("modify with non-modify message", "error", err.Error())
		resp.SetResultCode(gldap.ResultProtocolError)
		return
	}

	modDN, err := dn.New(m.DN)
	if err != nil {
		resp.SetResultCode(gldap.ResultInvalidDNSyntax)
		return
	}

	old, ok := s.be.GetEntry(modDN)
	if !ok {
		resp.SetResultCode(gldap.ResultNoSuchObject)
		return
	}
	newEntry := old.Clone()
	applyChanges(newEntry, m.Changes)

	if err := s.be.Replace(old, newEntry); err != nil {
		slog.Error("modify failed", "dn", modDN.String(), "error", err)
		resp.SetResultCode(backend.ToLDAPError(err).ResultCode())
		return
	}
	slog.Info("modify succeeded", "dn", modDN.String())
	resp.SetResultCode(gldap.ResultSuccess)
}

// applyChanges mutates e in place per the RFC 4511 modify operations
// (add/delete/replace a named attribute's values), matching the request
// shape documented in other_examples' moddn.go/modify wire layout.
func applyChanges(e *entry.Entry, changes []*gldap.Change) {
	for _, c := range changes {
		name := c.Modification.Type
		switch c.Operation {
		case gldap.AddAttribute:
			attr, _ := e.GetAttr(name)
			attr.Name = name
			attr.Vals = append(attr.Vals, c.Modification.Vals...)
			e.AddAttr(attr)
		case gldap.DeleteAttribute:
			if len(c.Modification.Vals) == 0 {
				delete(e.Attrs, strings.ToLower(name))
				continue
			}
			attr, ok := e.GetAttr(name)
			if !ok {
				continue
			}
			attr.Vals = removeAll(attr.Vals, c.Modification.Vals)
			e.AddAttr(attr)
		case gldap.ReplaceAttribute:
			e.AddAttr(entry.Attr{Name: name, Vals: c.Modification.Vals})
		}
	}
}

func appendIfMissing(vals []string, v string) []string {
	for _, existing := range vals {
		if existing == v {
			return vals
		}
	}
	return append(vals, v)
}

func removeAll(vals, toRemove []string) []string {
	remove := make(map[string]bool, len(toRemove))
	for _, v := range toRemove {
		remove[v] = true
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if !remove[v] {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) handleModifyDN(w *gldap.ResponseWriter, r *gldap.Request) {
	resp := r.NewModifyDNResponse()
	defer w.Write(resp) //nolint:errcheck // not much to do if it fails

	m, err := r.GetModifyDNMessage()
	if err != nil {
		slog.Error("modifyDN with non-modifyDN message", "error", err.Error())
		resp.SetResultCode(gldap.ResultProtocolError)
		return
	}

	currentDN, err := dn.New(m.DN)
	if err != nil {
		resp.SetResultCode(gldap.ResultInvalidDNSyntax)
		return
	}
	newRDN, err := dn.ParseRDN(m.NewRDN)
	if err != nil {
		resp.SetResultCode(gldap.ResultInvalidDNSyntax)
		return
	}

	newSuperiorSpecified := m.NewSuperior != ""
	newParent, ok := currentDN.Parent()
	if newSuperiorSpecified {
		newParent, err = dn.New(m.NewSuperior)
		if err != nil {
			resp.SetResultCode(gldap.ResultInvalidDNSyntax)
			return
		}
		ok = true
	}
	if !ok {
		resp.SetResultCode(gldap.ResultUnwillingToPerform)
		return
	}
	newDN := newParent.Child(newRDN)

	old, exists := s.be.GetEntry(currentDN)
	if !exists {
		resp.SetResultCode(gldap.ResultNoSuchObject)
		return
	}
	newEntry := old.Clone()
	newEntry.DN = newDN

	oldRDN := currentDN.RDN()
	if attr, ok := newEntry.GetAttr(newRDN.Name); ok {
		attr.Vals = appendIfMissing(attr.Vals, newRDN.Value)
		newEntry.AddAttr(attr)
	} else {
		newEntry.AddAttr(entry.Attr{Name: newRDN.Name, Vals: []string{newRDN.Value}})
	}
	if m.DeleteOldRDN && !oldRDN.Equal(newRDN) {
		if attr, ok := newEntry.GetAttr(oldRDN.Name); ok {
			attr.Vals = removeAll(attr.Vals, []string{oldRDN.Value})
			newEntry.AddAttr(attr)
		}
	}

	if err := s.be.Rename(currentDN, newEntry, newSuperiorSpecified); err != nil {
		slog.Error("modifyDN failed", "dn", currentDN.String(), "error", err)
		resp.SetResultCode(backend.ToLDAPError(err).ResultCode())
		return
	}
	slog.Info("modifyDN succeeded", "dn", currentDN.String(), "newdn", newDN.String())
	resp.SetResultCode(gldap.ResultSuccess)
}

func toScope(s int) (store.Scope, bool) {
	switch s {
	case gldap.BaseObject:
		return store.BaseObject, true
	case gldap.SingleLevel:
		return store.SingleLevel, true
	case gldap.WholeSubtree:
		return store.WholeSubtree, true
	default:
		return 0, false
	}
}

func hasControl(r *gldap.Request, oid string) bool {
	for _, c := range r.Controls() {
		if c.GetControlType() == oid {
			return true
		}
	}
	return false
}

func ifEmpty(typesOnly bool, vals []string) []string {
	if typesOnly {
		return nil
	}
	return vals
}
