package api

import (
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"coachchat/internal/auth"
	"coachchat/internal/models"
	"coachchat/internal/service/account"
	"coachchat/internal/service/transcript"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Handler wires HTTP routes to the account and transcript services.
type Handler struct {
	accounts    *account.Service
	transcripts *transcript.Service
	auth        *auth.Service
	pages       *template.Template
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, transcripts *transcript.Service, authService *auth.Service) *Handler {
	return &Handler{
		accounts:    accounts,
		transcripts: transcripts,
		auth:        authService,
		pages:       template.Must(template.ParseFS(templatesFS, "templates/*.html")),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(h.pages)
	router.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())

	router.GET("/", h.landingPage)
	router.POST("/login", h.login)
	router.GET("/signup", h.signupPage)
	router.POST("/signup", h.signup)
	router.GET("/signout", h.signout)

	router.POST("/all_chats_ids", h.allChatIDs)
	router.POST("/acquire_messages", h.acquireMessages)
	router.POST("/chat_details", h.chatDetails)
	router.POST("/new_chat", h.newChat)
	router.POST("/chatmessage", h.chatMessage)
	router.POST("/chatmessage/stream", h.chatMessageStream)
}

func (h *Handler) landingPage(c *gin.Context) {
	accountID, ok := auth.AccountIDFromContext(c)
	if !ok {
		c.HTML(http.StatusOK, "login.html", gin.H{"csrf_token": h.csrfToken(c)})
		return
	}
	data := gin.H{
		"user_id":     accountID,
		"csrf_token":  h.csrfToken(c),
		"csrf_header": h.auth.CSRFHeaderName(),
	}
	if acc, err := h.accounts.Account(c.Request.Context(), accountID); err == nil {
		data["email"] = acc.Email
		data["name"] = acc.Name
	}
	c.HTML(http.StatusOK, "index.html", data)
}

// login always redirects home. A failed attempt leaves the session as it was.
func (h *Handler) login(c *gin.Context) {
	email := c.PostForm("email")
	acc, err := h.accounts.Login(c.Request.Context(), email, c.PostForm("password"))
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			log.Info("login rejected", "email", email)
		} else {
			log.Error("login failed", "email", email, "err", err)
		}
		c.Redirect(http.StatusSeeOther, "/")
		return
	}
	if err := h.auth.StartSession(c, acc.ID); err != nil {
		log.Error("start session", "account", acc.ID, "err", err)
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (h *Handler) signupPage(c *gin.Context) {
	c.HTML(http.StatusOK, "signup.html", gin.H{"csrf_token": h.csrfToken(c)})
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Confirm  string `json:"confirm"`
}

func (h *Handler) signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	acc, err := h.accounts.Signup(c.Request.Context(), account.SignupInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Confirm:  req.Confirm,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.auth.StartSession(c, acc.ID); err != nil {
		writeError(c, err)
		return
	}
	log.Info("account created", "account", acc.ID)
	c.String(http.StatusOK, "success")
}

func (h *Handler) signout(c *gin.Context) {
	if err := h.auth.EndSession(c); err != nil {
		log.Warn("revoke session", "err", err)
	}
	c.Redirect(http.StatusFound, "/")
}

type accountRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) allChatIDs(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	requester, _ := auth.AccountIDFromContext(c)
	ids, err := h.accounts.ListTranscripts(c.Request.Context(), requester, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ids)
}

type chatRequest struct {
	ChatID int64  `json:"chat_id"`
	UserID string `json:"user_id"`
}

func (h *Handler) acquireMessages(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	requester, _ := auth.AccountIDFromContext(c)
	turns, err := h.transcripts.Read(c.Request.Context(), req.ChatID, requester, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, turns)
}

func (h *Handler) chatDetails(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	requester, _ := auth.AccountIDFromContext(c)
	details, err := h.transcripts.Get(c.Request.Context(), req.ChatID, requester, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

// newChat creates a transcript. Without user_id it is anonymous; a supplied
// user_id must be the session's account.
func (h *Handler) newChat(c *gin.Context) {
	var req accountRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID != "" {
		requester, _ := auth.AccountIDFromContext(c)
		if requester != req.UserID {
			writeError(c, models.ErrUnauthorized)
			return
		}
	}
	id, err := h.transcripts.Create(c.Request.Context(), req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": id})
}

type messageRequest struct {
	ChatID   int64  `json:"chat_id"`
	UserID   string `json:"user_id"`
	ChatText string `json:"chat_text"`
	Date     string `json:"date"`
}

func (r messageRequest) exchange(requester string) transcript.ExchangeInput {
	return transcript.ExchangeInput{
		TranscriptID: r.ChatID,
		RequesterID:  requester,
		AccountID:    r.UserID,
		Content:      r.ChatText,
		Timestamp:    r.Date,
	}
}

func (h *Handler) chatMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	requester, _ := auth.AccountIDFromContext(c)
	reply, err := h.transcripts.Exchange(c.Request.Context(), req.exchange(requester), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *Handler) csrfToken(c *gin.Context) string {
	token, err := c.Cookie(h.auth.CSRFCookieName())
	if err != nil {
		return ""
	}
	return token
}
