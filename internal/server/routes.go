package server

import "github.com/gin-gonic/gin"

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/ping", h.Ping)

	servers := router.Group("/servers")
	servers.POST("", h.CreateServer)
	servers.GET("", h.ListServers)
	servers.GET("/:id", h.GetServer)
	servers.PUT("/:id", h.UpdateServer)
	servers.DELETE("/:id", h.DeleteServer)
	servers.POST("/:id/start", h.StartServer)
	servers.POST("/:id/stop", h.StopServer)
	servers.POST("/:id/restart", h.RestartServer)
	servers.POST("/:id/commands", h.RunCommands)
	servers.GET("/:id/operators", h.ListOperators)
	servers.POST("/:id/operators", h.SetOperator)
	servers.DELETE("/:id/operators/:player", h.RemoveOperator)
	servers.POST("/:id/save", h.SaveWorld)
	servers.GET("/:id/logs", h.ServerLogs)

	router.GET("/tasks/:jobId", h.TaskStatus)
	router.GET("/ws", gin.WrapH(h.Watch()))
}
