package api

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/execution"
	"github.com/taskwing/taskwing/internal/state"
	"github.com/taskwing/taskwing/internal/storage"
	"github.com/taskwing/taskwing/pkg/api/handlers"
	"github.com/taskwing/taskwing/pkg/api/middleware"
)

// RouterConfig carries everything the HTTP layer depends on.
type RouterConfig struct {
	Service     *execution.Service
	Dags        storage.DagRepository
	Runs        storage.DagRunRepository
	Instances   storage.TaskInstanceRepository
	Archiver    *state.Archiver
	JWTConfig   *middleware.JWTConfig
	RateLimiter *middleware.RateLimiter
	Logger      *logrus.Logger
	Version     string
}

// NewRouter builds the gin engine with all routes and middleware
// registered. Execution routes addressing a task instance by id require
// a token scoped to that instance; the xcom and query routes only
// require a valid token.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())
	if cfg.RateLimiter != nil {
		router.Use(cfg.RateLimiter.RateLimit())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy", "version": cfg.Version})
	})

	validator := middleware.NewJWTValidator(cfg.JWTConfig)

	execHandler := handlers.NewExecutionHandler(cfg.Service)
	xcomHandler := handlers.NewXComHandler(cfg.Service)
	adminHandler := handlers.NewAdminHandler(cfg.Dags, cfg.Runs, cfg.Instances, cfg.Archiver, cfg.JWTConfig, cfg.Logger)

	exec := router.Group("/execution")
	{
		instances := exec.Group("/task-instances")
		{
			instances.GET("/count", middleware.ExecutionAuth(validator, ""), execHandler.Count)
			instances.GET("/states", middleware.ExecutionAuth(validator, ""), execHandler.States)

			scoped := instances.Group("/:id", middleware.ExecutionAuth(validator, "id"))
			{
				scoped.PATCH("/run", execHandler.Run)
				scoped.PATCH("/state", execHandler.UpdateState)
				scoped.PUT("/heartbeat", execHandler.Heartbeat)
				scoped.PATCH("/skip-downstream", execHandler.SkipDownstream)
				scoped.PUT("/rtif", execHandler.SetRTIF)
				scoped.GET("/previous-successful-dagrun", execHandler.PreviousSuccessfulDagRun)
				scoped.GET("/validate-inlets-and-outlets", execHandler.ValidateInletsOutlets)
			}
		}

		exec.GET("/task-reschedules/:id/start_date",
			middleware.ExecutionAuth(validator, "id"), execHandler.RescheduleStartDate)

		xcoms := exec.Group("/xcoms", middleware.ExecutionAuth(validator, ""))
		{
			xcoms.GET("/:dag_id/:run_id/:task_id", xcomHandler.Keys)
			xcoms.GET("/:dag_id/:run_id/:task_id/:key", xcomHandler.Get)
			xcoms.PUT("/:dag_id/:run_id/:task_id/:key", xcomHandler.Set)
			xcoms.DELETE("/:dag_id/:run_id/:task_id/:key", xcomHandler.Delete)
		}
	}

	v1 := router.Group("/api/v1")
	{
		v1.PUT("/dags/:dag_id", adminHandler.RegisterDag)
		v1.GET("/dags/:dag_id", adminHandler.GetDag)
		v1.DELETE("/dags/:dag_id", adminHandler.DeleteDag)
		v1.POST("/dags/:dag_id/runs", adminHandler.CreateDagRun)
		v1.POST("/dags/:dag_id/runs/:run_id/task-instances", adminHandler.CreateTaskInstance)
		v1.GET("/task-instances/:id", adminHandler.GetTaskInstance)
		v1.GET("/task-instances/:id/history", adminHandler.GetTaskInstanceHistory)
	}

	return router
}
