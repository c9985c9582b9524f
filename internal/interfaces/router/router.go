package router

import (
	"net/http"

	"atlas-ledger/internal/application/allocator"
	"atlas-ledger/internal/application/audit"
	"atlas-ledger/internal/application/compliance"
	"atlas-ledger/internal/application/deposits"
	healthsvc "atlas-ledger/internal/application/health"
	"atlas-ledger/internal/application/ledger"
	"atlas-ledger/internal/application/notifications"
	"atlas-ledger/internal/application/offers"
	"atlas-ledger/internal/application/operations"
	"atlas-ledger/internal/application/vaults"
	"atlas-ledger/internal/config"
	"atlas-ledger/internal/constants"
	audithandler "atlas-ledger/internal/interfaces/handlers/audit"
	balancehandler "atlas-ledger/internal/interfaces/handlers/balances"
	bankhandler "atlas-ledger/internal/interfaces/handlers/banking"
	compliancehandler "atlas-ledger/internal/interfaces/handlers/compliance"
	deposithandler "atlas-ledger/internal/interfaces/handlers/deposits"
	healthhandler "atlas-ledger/internal/interfaces/handlers/health"
	investhandler "atlas-ledger/internal/interfaces/handlers/investments"
	liquidityhandler "atlas-ledger/internal/interfaces/handlers/liquidity"
	offerhandler "atlas-ledger/internal/interfaces/handlers/offers"
	ophandler "atlas-ledger/internal/interfaces/handlers/operations"
	vaulthandler "atlas-ledger/internal/interfaces/handlers/vaults"
	"atlas-ledger/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Services are the application services the routes dispatch to.
type Services struct {
	DB         *gorm.DB
	Rdb        *redis.Client
	Ledger     *ledger.Store
	Engine     *operations.Engine
	Audit      *audit.Log
	Offers     *offers.Service
	Allocator  *allocator.Service
	Vaults     *vaults.Service
	Deposits   *deposits.Service
	Compliance *compliance.Service
	Dispatcher *notifications.Dispatcher
}

type gormDBPinger struct {
	db *gorm.DB
}

func (g *gormDBPinger) Ping() error {
	if g == nil || g.db == nil {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// CreateApp builds the Fiber app with global middleware and every route.
func CreateApp(cfg *config.Config, s *Services) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage:   true,
		ErrorHandler:            middleware.ErrorHandler,
		EnableTrustedProxyCheck: true,
	})

	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedSuffix: cfg.FrontendURLEndsWith,
		DevPassword:   cfg.DevPassword,
	}))
	app.Use(middleware.Tracing())

	// Signed by the processor, not a session; mounted before the session middleware.
	webhook := &bankhandler.WebhookHandler{Deposits: s.Deposits, WebhookSecret: cfg.StripeWebhookSecret}
	app.Post("/api/v1/banking/webhook", webhook.HandleWebhook)

	if s.Rdb != nil {
		app.Use(middleware.Session(s.Rdb))
		app.Use(middleware.HealthMarker(s.Rdb))
	}
	app.Use(middleware.RouteLogger())

	sources := healthsvc.Sources{
		DB:         &gormDBPinger{db: s.DB},
		Rdb:        s.Rdb,
		Operations: s.Engine,
		StaleAfter: cfg.OperationStaleAfter,
	}
	if s.Dispatcher != nil {
		sources.Notifications = s.Dispatcher
	}
	hh := &healthhandler.Handlers{Sources: sources, HealthAdminKey: cfg.HealthAdminKey}
	app.Get("/reset", hh.Reset)
	app.Get("/health/json", hh.JSON)

	api := app.Group("/api/v1", middleware.RequireAuth())

	ih := &investhandler.Handlers{Service: s.Allocator}
	ig := api.Group("/investments")
	ig.Post("/", middleware.AuthorizePermission(constants.Invest), ih.Invest)
	ig.Get("/", middleware.AuthorizePermission(constants.ViewData), ih.Positions)

	bh := &balancehandler.Handlers{Ledger: s.Ledger, Vaults: s.Vaults}
	bg := api.Group("/balances", middleware.AuthorizePermission(constants.ViewData))
	bg.Get("/", bh.GetBalance)
	bg.Get("/entries", bh.GetEntries)

	vh := &vaulthandler.Handlers{Service: s.Vaults}
	vg := api.Group("/vaults")
	vg.Post("/", middleware.AuthorizePermission(constants.ManageLiquidity), vh.CreateVault)
	vg.Get("/:code", middleware.AuthorizePermission(constants.ViewData), vh.GetVault)
	vg.Patch("/:code/status", middleware.AuthorizePermission(constants.ManageLiquidity), vh.SetStatus)
	vg.Post("/:code/deposit", middleware.AuthorizePermission(constants.VaultDeposit), vh.Deposit)
	vg.Post("/:code/withdraw", middleware.AuthorizePermission(constants.VaultWithdraw), vh.Withdraw)
	vg.Get("/:code/withdrawals", middleware.AuthorizePermission(constants.ViewData), vh.ListWithdrawals)

	lh := &liquidityhandler.Handlers{Service: s.Vaults}
	lg := api.Group("/liquidity", middleware.AuthorizePermission(constants.ManageLiquidity))
	lg.Get("/withdrawals", lh.Pending)
	lg.Post("/withdrawals/:id/execute", lh.Execute)
	lg.Post("/withdrawals/:id/reject", lh.Reject)
	lg.Get("/vaults/:code", lh.Liquidity)
	lg.Post("/vaults/:code/rebalance", lh.Rebalance)

	ch := &compliancehandler.Handlers{Service: s.Compliance}
	cg := api.Group("/compliance", middleware.AuthorizePermission(constants.ComplianceReview))
	cg.Get("/holds", ch.Pending)
	cg.Get("/holds/:id", ch.Held)
	cg.Post("/release", ch.Release)
	cg.Post("/reject", ch.Reject)

	oph := &ophandler.Handlers{Engine: s.Engine}
	og := api.Group("/operations")
	og.Get("/:id", middleware.AuthorizePermission(constants.ViewData), oph.GetOperation)
	og.Post("/:id/reverse", middleware.AuthorizePermission(constants.CorrectLedger), oph.Reverse)
	og.Post("/:id/adjust", middleware.AuthorizePermission(constants.CorrectLedger), oph.Adjust)

	ofh := &offerhandler.Handlers{Service: s.Offers}
	ofg := api.Group("/offers")
	ofg.Post("/", middleware.AuthorizePermission(constants.ManageOffers), ofh.CreateOffer)
	ofg.Get("/", middleware.AuthorizePermission(constants.ViewData), ofh.ListOffers)
	ofg.Get("/:id", middleware.AuthorizePermission(constants.ViewData), ofh.GetOffer)
	ofg.Patch("/:id/status", middleware.AuthorizePermission(constants.ManageOffers), ofh.UpdateStatus)

	dh := &deposithandler.Handlers{Service: s.Deposits}
	dg := api.Group("/deposits")
	dg.Post("/", middleware.AuthorizePermission(constants.BookDeposit), dh.Deposit)
	dg.Post("/intents", middleware.AuthorizePermission(constants.Deposit), dh.CreateIntent)

	ah := &audithandler.Handlers{Log: s.Audit}
	api.Get("/audit-logs", middleware.AuthorizePermission(constants.ViewAudit), ah.List)

	return app
}

// Handler adapts the Fiber app to net/http.
func Handler(app *fiber.App) http.Handler {
	return adaptor.FiberApp(app)
}
