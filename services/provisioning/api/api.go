package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/kaytu-io/kaytu-marketplace/pkg/httpserver"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/api/entity"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/model"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/db/repo"
	"github.com/kaytu-io/kaytu-marketplace/services/provisioning/service"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Machine interface {
	GetInProgressProvisions(ctx context.Context) ([]service.ProvisionSummary, error)
	Run(ctx context.Context, op service.Operation, id uuid.UUID, activatedBy string) (*model.Subscription, error)
	ActivateSubscription(ctx context.Context, id uuid.UUID, activatedBy string) (*model.Subscription, error)
	UpdateOperationCompleted(ctx context.Context, id uuid.UUID, activatedBy string) (*model.Subscription, error)
	RequeueDataDeletion(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
}

type API struct {
	logger        *zap.Logger
	tracer        trace.Tracer
	machine       Machine
	subscriptions repo.SubscriptionRepo
	ipAddresses   repo.IpAddressRepo
}

func New(logger *zap.Logger, machine Machine, subscriptions repo.SubscriptionRepo, ipAddresses repo.IpAddressRepo) *API {
	return &API{
		logger:        logger.Named("api"),
		tracer:        otel.GetTracerProvider().Tracer("provisioning.http"),
		machine:       machine,
		subscriptions: subscriptions,
		ipAddresses:   ipAddresses,
	}
}

func (a *API) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/provisions", a.ListProvisions)

	s := g.Group("/subscriptions/:id")
	s.POST("/activate", a.Activate)
	s.POST("/complete", a.Complete)
	s.POST("/delete-data", a.DeleteData)
	s.POST("/operations/:operation", a.RunOperation)
	s.GET("/events", a.ListEvents)

	g.POST("/offers/:offer/ip-configs/:name/blocks", a.AddIpBlock)
}

func (a *API) startSpan(echoCtx echo.Context, name string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(echoCtx.Request().Context(), propagation.HeaderCarrier(echoCtx.Request().Header))
	return a.tracer.Start(ctx, name)
}

func subscriptionID(echoCtx echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(echoCtx.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid subscription id")
	}
	return id, nil
}

// httpError maps state machine errors to responses.
func httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, repo.ErrIpConfigNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, repo.ErrInvalidIpBlock):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// ListProvisions godoc
//
//	@Summary	List subscriptions that still need provisioning work
//	@Produce	json
//	@Param		status	query		[]string	false	"Provisioning states to keep"
//	@Success	200		{object}	[]service.ProvisionSummary
//	@Router		/api/v1/provisions [get]
func (a *API) ListProvisions(echoCtx echo.Context) error {
	ctx, span := a.startSpan(echoCtx, "list-provisions")
	defer span.End()

	provisions, err := a.machine.GetInProgressProvisions(ctx)
	if err != nil {
		a.logger.Error("failed to list provisions", zap.Error(err))
		return httpError(err)
	}

	statuses := map[model.ProvisioningStatus]bool{}
	for _, s := range httpserver.QueryArrayParam(echoCtx, "status") {
		statuses[model.ProvisioningStatus(s)] = true
	}

	result := make([]service.ProvisionSummary, 0, len(provisions))
	for _, p := range provisions {
		if len(statuses) > 0 && !statuses[p.ProvisioningStatus] {
			continue
		}
		result = append(result, p)
	}
	return echoCtx.JSON(http.StatusOK, result)
}

// Activate godoc
//
//	@Summary	Activate a subscription, releasing the manual activation gate
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string					true	"Subscription id"
//	@Param		request	body		entity.OperatorRequest	true	"Request"
//	@Success	200		{object}	entity.Subscription
//	@Router		/api/v1/subscriptions/{id}/activate [post]
func (a *API) Activate(echoCtx echo.Context) error {
	return a.operatorAction(echoCtx, "activate", a.machine.ActivateSubscription)
}

// Complete godoc
//
//	@Summary	Complete the pending marketplace operation of a subscription
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string					true	"Subscription id"
//	@Param		request	body		entity.OperatorRequest	true	"Request"
//	@Success	200		{object}	entity.Subscription
//	@Router		/api/v1/subscriptions/{id}/complete [post]
func (a *API) Complete(echoCtx echo.Context) error {
	return a.operatorAction(echoCtx, "complete", a.machine.UpdateOperationCompleted)
}

func (a *API) operatorAction(echoCtx echo.Context, name string, action func(context.Context, uuid.UUID, string) (*model.Subscription, error)) error {
	ctx, span := a.startSpan(echoCtx, name)
	defer span.End()

	id, err := subscriptionID(echoCtx)
	if err != nil {
		return err
	}
	var req entity.OperatorRequest
	if err := echoCtx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := echoCtx.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sub, err := action(ctx, id, req.ActivatedBy)
	if err != nil {
		a.logger.Warn("operator action failed",
			zap.String("action", name),
			zap.String("subscription_id", id.String()),
			zap.Error(err))
		return httpError(err)
	}
	return echoCtx.JSON(http.StatusOK, toSubscription(sub))
}

// RunOperation godoc
//
//	@Summary	Run one provisioning operation for a subscription
//	@Produce	json
//	@Param		id			path		string	true	"Subscription id"
//	@Param		operation	path		string	true	"Operation name, e.g. DeployArmTemplate"
//	@Success	200			{object}	entity.Subscription
//	@Router		/api/v1/subscriptions/{id}/operations/{operation} [post]
func (a *API) RunOperation(echoCtx echo.Context) error {
	ctx, span := a.startSpan(echoCtx, "run-operation")
	defer span.End()

	id, err := subscriptionID(echoCtx)
	if err != nil {
		return err
	}
	op, err := service.ParseOperation(echoCtx.Param("operation"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sub, err := a.machine.Run(ctx, op, id, "")
	if err != nil {
		return httpError(err)
	}
	return echoCtx.JSON(http.StatusOK, toSubscription(sub))
}

// DeleteData godoc
//
//	@Summary	Start deleting the data of an unsubscribed subscription
//	@Produce	json
//	@Param		id	path		string	true	"Subscription id"
//	@Success	200	{object}	entity.Subscription
//	@Router		/api/v1/subscriptions/{id}/delete-data [post]
func (a *API) DeleteData(echoCtx echo.Context) error {
	ctx, span := a.startSpan(echoCtx, "delete-data")
	defer span.End()

	id, err := subscriptionID(echoCtx)
	if err != nil {
		return err
	}
	sub, err := a.machine.RequeueDataDeletion(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return echoCtx.JSON(http.StatusOK, toSubscription(sub))
}

// ListEvents godoc
//
//	@Summary	Provisioning history of a subscription
//	@Produce	json
//	@Param		id	path		string	true	"Subscription id"
//	@Success	200	{object}	[]entity.ProvisioningEvent
//	@Router		/api/v1/subscriptions/{id}/events [get]
func (a *API) ListEvents(echoCtx echo.Context) error {
	ctx, span := a.startSpan(echoCtx, "list-events")
	defer span.End()

	id, err := subscriptionID(echoCtx)
	if err != nil {
		return err
	}
	events, err := a.subscriptions.ListEvents(ctx, id)
	if err != nil {
		a.logger.Error("failed to list events", zap.String("subscription_id", id.String()), zap.Error(err))
		return httpError(err)
	}

	resp := make([]entity.ProvisioningEvent, 0, len(events))
	for _, e := range events {
		item := entity.ProvisioningEvent{
			Operation:  e.Operation,
			From:       string(e.From),
			To:         string(e.To),
			RetryCount: e.RetryCount,
			Error:      e.Error,
			CreatedAt:  e.CreatedAt,
		}
		if len(e.Details) > 0 {
			if err := json.Unmarshal(e.Details, &item.Details); err != nil {
				a.logger.Warn("invalid event details", zap.Error(err))
			}
		}
		resp = append(resp, item)
	}
	return echoCtx.JSON(http.StatusOK, resp)
}

// AddIpBlock godoc
//
//	@Summary	Add an address block to an offer's ip config
//	@Accept		json
//	@Produce	json
//	@Param		offer	path		string						true	"Offer name"
//	@Param		name	path		string						true	"Ip config name"
//	@Param		request	body		entity.AddIpBlockRequest	true	"Request"
//	@Success	201		{object}	entity.IpBlock
//	@Router		/api/v1/offers/{offer}/ip-configs/{name}/blocks [post]
func (a *API) AddIpBlock(echoCtx echo.Context) error {
	ctx, span := a.startSpan(echoCtx, "add-ip-block")
	defer span.End()

	var req entity.AddIpBlockRequest
	if err := echoCtx.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := echoCtx.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	offer, name := echoCtx.Param("offer"), echoCtx.Param("name")
	block, err := a.ipAddresses.AddIpBlock(ctx, offer, name, req.CIDR)
	if err != nil {
		return httpError(err)
	}
	a.logger.Info("ip block added",
		zap.String("offer", offer),
		zap.String("ip_config", name),
		zap.String("cidr", req.CIDR))
	return echoCtx.JSON(http.StatusCreated, entity.IpBlock{
		ID:     block.ID,
		CIDR:   block.CIDR,
		Config: name,
		Offer:  offer,
	})
}

func toSubscription(sub *model.Subscription) entity.Subscription {
	return entity.Subscription{
		SubscriptionID:     sub.SubscriptionID,
		OfferName:          sub.OfferName,
		PlanName:           sub.PlanName,
		Status:             string(sub.Status),
		ProvisioningStatus: string(sub.ProvisioningStatus),
		ProvisioningType:   string(sub.ProvisioningType),
		RetryCount:         sub.RetryCount,
		LastException:      sub.LastException,
		ResourceGroup:      sub.ResourceGroup,
		DeploymentName:     sub.DeploymentName,
		EntryPointUrl:      sub.EntryPointUrl,
		ActivatedBy:        sub.ActivatedBy,
		LastUpdatedTime:    sub.LastUpdatedTime,
		ActivatedTime:      sub.ActivatedTime,
		LastSuspendedTime:  sub.LastSuspendedTime,
		UnsubscribedTime:   sub.UnsubscribedTime,
	}
}
