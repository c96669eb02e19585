package httpapi

import (
	"net/http"
	"strconv"

	"newsdesk.org/internal/apperr"
	"newsdesk.org/internal/audit"
	"newsdesk.org/internal/auth"
	"newsdesk.org/internal/content"
)

const articlesPath = "/v1/articles"

func articlePath(id string) string  { return articlesPath + "/" + id }
func commentsPath(id string) string { return articlePath(id) + "/comments" }

func pageFromQuery(r *http.Request) (content.Page, error) {
	q := r.URL.Query()
	var p content.Page
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, apperr.Validation("limit", "must be a positive integer")
		}
		p.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, apperr.Validation("offset", "must be a non-negative integer")
		}
		p.Offset = n
	}
	return p.Normalize(), nil
}

func (a *API) handleListArticles(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	articles, err := a.content.ListArticles(r.Context(), page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{
		"articles": articles,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

func (a *API) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	article, err := a.content.GetArticle(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{"article": article})
}

func (a *API) handleCreateArticle(w http.ResponseWriter, r *http.Request) {
	var req content.ArticleInput
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	article, err := a.content.CreateArticle(r.Context(), principal.UserID, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.invalidate(r, articlesPath)
	_ = audit.LogEvent(r.Context(), "article.created", map[string]any{"article_id": article.ID})
	writeData(w, http.StatusCreated, "Article created", map[string]any{"article": article})
}

func (a *API) handleUpdateArticle(w http.ResponseWriter, r *http.Request) {
	var req content.ArticleInput
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := a.authorizeArticleWrite(r, id); err != nil {
		a.fail(w, r, err)
		return
	}
	article, err := a.content.UpdateArticle(r.Context(), id, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.invalidate(r, articlesPath, articlePath(id))
	_ = audit.LogEvent(r.Context(), "article.updated", map[string]any{"article_id": id})
	writeData(w, http.StatusOK, "Article updated", map[string]any{"article": article})
}

func (a *API) handleDeleteArticle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.authorizeArticleWrite(r, id); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.content.DeleteArticle(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	a.invalidate(r, articlesPath, articlePath(id), commentsPath(id))
	_ = audit.LogEvent(r.Context(), "article.deleted", map[string]any{"article_id": id})
	writeData(w, http.StatusOK, "Article deleted", nil)
}

func (a *API) handleListComments(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	comments, err := a.content.ListComments(r.Context(), r.PathValue("id"), page)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "", map[string]any{"comments": comments})
}

func (a *API) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req content.CommentInput
	if err := decodeJSON(w, r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.validateStruct(req); err != nil {
		a.fail(w, r, err)
		return
	}
	id := r.PathValue("id")
	principal, _ := auth.PrincipalFromContext(r.Context())
	comment, err := a.content.AddComment(r.Context(), id, principal.UserID, req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.invalidate(r, commentsPath(id))
	writeData(w, http.StatusCreated, "Comment added", map[string]any{"comment": comment})
}

// authorizeArticleWrite lets admins change any article and journalists only
// their own.
func (a *API) authorizeArticleWrite(r *http.Request, id string) error {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if principal.Role == auth.RoleAdmin {
		return nil
	}
	article, err := a.content.GetArticle(r.Context(), id)
	if err != nil {
		return err
	}
	if article.AuthorID != principal.UserID {
		return content.ErrForbidden
	}
	return nil
}

// invalidate drops every cached GET of paths before the write is answered.
func (a *API) invalidate(r *http.Request, paths ...string) {
	if a.cache == nil {
		return
	}
	for _, p := range paths {
		a.cache.InvalidatePath(r.Context(), p)
	}
}
