package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fluxsync/fluxsync"
	"github.com/fluxsync/fluxsync/api/middleware"
	"github.com/fluxsync/fluxsync/config"
)

type Api struct {
	fluxsync *fluxsync.Fluxsync
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/webhooks/:service_name", a.ReceiveWebhook)
	router.GET("/webhooks/health", a.WebhookHealth)

	router.POST("/sync/configurations", a.CreateSyncConfiguration)
	router.GET("/sync/status", a.GetSyncStatus)
	router.POST("/sync/trigger", a.TriggerSync)
	router.POST("/sync/batch", a.BatchSync)

	router.GET("/sync/conflicts", a.GetPendingConflicts)
	router.POST("/sync/conflicts/:conflict_id/resolve", a.ResolveConflict)

	router.GET("/events/dead-letter", a.GetDeadLetterEvents)
	router.POST("/events/dead-letter/:event_id/requeue", a.RequeueDeadLetterEvent)
	router.POST("/events/dead-letter/:event_id/archive", a.ArchiveDeadLetterEvent)

	return a.router
}

func NewAPI(f *fluxsync.Fluxsync) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware("fluxsync-api"))
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{fluxsync: f, router: r}
}
