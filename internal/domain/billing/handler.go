package billing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/piyushrkc/Hospital-Clinic-Management/internal/platform/auth"
	"github.com/piyushrkc/Hospital-Clinic-Management/pkg/pagination"
	"github.com/piyushrkc/Hospital-Clinic-Management/pkg/respond"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Billing desk endpoints – admin, accountant, staff
	desk := api.Group("", auth.RequireRole("admin", "accountant", "staff"))
	desk.POST("/billing", h.CreateBill)
	desk.GET("/billing", h.ListBills)
	desk.POST("/billing/:id/payments", h.RecordPayment)

	// Amount corrections and statistics – admin, accountant
	back := api.Group("", auth.RequireRole("admin", "accountant"))
	back.PATCH("/billing/:id", h.UpdateBill)
	back.GET("/billing/statistics", h.GetStatistics)

	// Removing a bill and replaying propagation – admin only
	api.DELETE("/billing/:id", h.DeleteBill, auth.RequireRole("admin"))
	api.POST("/billing/:id/reconcile", h.Reconcile, auth.RequireRole("admin"))

	// Reads available to any authenticated user
	api.GET("/billing/:id", h.GetBill)
	api.GET("/billing/:id/payments", h.GetBillPayments)
	api.GET("/billing/:id/invoice", h.GetInvoice)
	api.GET("/billing/patient/:patientId", h.GetPatientBills)
}

// writeErr maps domain errors onto the response envelope.
func writeErr(c echo.Context, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return respond.Error(c, http.StatusBadRequest, ve.Msg)
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return respond.Error(c, http.StatusBadRequest, ce.Msg)
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return respond.Error(c, http.StatusNotFound, nf.Msg)
	}
	var su *StoreUnavailableError
	if errors.As(err, &su) {
		return respond.Error(c, http.StatusServiceUnavailable, "Billing storage is temporarily unavailable")
	}
	return respond.Error(c, http.StatusInternalServerError, "Something went wrong")
}

func billID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, &ValidationError{Msg: "Invalid bill ID"}
	}
	return id, nil
}

type createBillRequest struct {
	PatientID       uuid.UUID   `json:"patient_id"`
	Items           []BillItem  `json:"items"`
	Discount        float64     `json:"discount"`
	AppointmentID   *uuid.UUID  `json:"appointment_id"`
	LabTestIDs      []uuid.UUID `json:"lab_test_ids"`
	PrescriptionIDs []uuid.UUID `json:"prescription_ids"`
}

func (h *Handler) CreateBill(c echo.Context) error {
	var req createBillRequest
	if err := c.Bind(&req); err != nil {
		return respond.Error(c, http.StatusBadRequest, "Invalid request body")
	}
	createdBy, _ := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))

	bill, err := h.svc.CreateBill(c.Request().Context(), CreateBillInput{
		PatientID:       req.PatientID,
		Items:           req.Items,
		Discount:        req.Discount,
		AppointmentID:   req.AppointmentID,
		LabTestIDs:      req.LabTestIDs,
		PrescriptionIDs: req.PrescriptionIDs,
		CreatedBy:       createdBy,
	})
	if err != nil {
		var partial *PartialPropagationError
		if errors.As(err, &partial) {
			return c.JSON(http.StatusCreated, respond.Envelope{
				Status: "success",
				Data:   echo.Map{"bill": bill, "unpropagated": partial.Failed},
				Message: fmt.Sprintf("Bill created but %d linked record(s) were not updated; retry via reconcile",
					len(partial.Failed)),
			})
		}
		return writeErr(c, err)
	}
	return respond.Success(c, http.StatusCreated, echo.Map{"bill": bill})
}

func (h *Handler) GetBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return writeErr(c, err)
	}
	detail, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return writeErr(c, err)
	}
	c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%d"`, detail.VersionID))
	return respond.Success(c, http.StatusOK, echo.Map{"bill": detail})
}

func (h *Handler) ListBills(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f BillFilter
	if p := c.QueryParam("patient"); p != "" {
		pid, err := uuid.Parse(p)
		if err != nil {
			return respond.Error(c, http.StatusBadRequest, "Invalid patient ID")
		}
		f.PatientID = &pid
	}
	if s := c.QueryParam("status"); s != "" {
		st := BillStatus(s)
		if st != StatusPending && st != StatusPartial && st != StatusPaid {
			return respond.Error(c, http.StatusBadRequest, "Invalid status filter")
		}
		f.Status = &st
	}
	if d := c.QueryParam("minDate"); d != "" {
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return respond.Error(c, http.StatusBadRequest, "Invalid minDate")
		}
		f.MinDate = &t
	}
	if d := c.QueryParam("maxDate"); d != "" {
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return respond.Error(c, http.StatusBadRequest, "Invalid maxDate")
		}
		f.MaxDate = &t
	}

	bills, total, err := h.svc.ListBills(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return writeErr(c, err)
	}
	if bills == nil {
		bills = []*Bill{}
	}
	return respond.Success(c, http.StatusOK, pagination.NewResponse(bills, total, pg.Limit, pg.Offset))
}

type updateBillRequest struct {
	Items    *[]BillItem `json:"items"`
	Discount *float64    `json:"discount"`
}

func (h *Handler) UpdateBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req updateBillRequest
	if err := c.Bind(&req); err != nil {
		return respond.Error(c, http.StatusBadRequest, "Invalid request body")
	}
	bill, err := h.svc.UpdateBill(c.Request().Context(), id, BillPatch{Items: req.Items, Discount: req.Discount})
	if err != nil {
		return writeErr(c, err)
	}
	return respond.Success(c, http.StatusOK, echo.Map{"bill": bill})
}

func (h *Handler) DeleteBill(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return writeErr(c, err)
	}
	if err := h.svc.DeleteBill(c.Request().Context(), id); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type recordPaymentRequest struct {
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
	TransactionID *string `json:"transaction_id"`
	Notes         *string `json:"notes"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return writeErr(c, err)
	}
	var req recordPaymentRequest
	if err := c.Bind(&req); err != nil {
		return respond.Error(c, http.StatusBadRequest, "Invalid request body")
	}
	receivedBy, _ := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))

	payment, bill, err := h.svc.RecordPayment(c.Request().Context(), RecordPaymentInput{
		BillID:        id,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		TransactionID: req.TransactionID,
		Notes:         req.Notes,
		ReceivedBy:    receivedBy,
	})
	if err != nil {
		return writeErr(c, err)
	}
	return respond.Success(c, http.StatusCreated, echo.Map{
		"payment": payment,
		"bill": echo.Map{
			"id":               bill.ID,
			"remaining_amount": bill.RemainingAmount,
			"status":           bill.Status,
		},
	})
}

// GetInvoice returns the fully resolved bill as the payload an external
// invoice renderer consumes.
func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return writeErr(c, err)
	}
	detail, err := h.svc.GetBill(c.Request().Context(), id)
	if err != nil {
		return writeErr(c, err)
	}
	return respond.Success(c, http.StatusOK, echo.Map{
		"invoice": echo.Map{
			"number":       fmt.Sprintf("INV-%s", strings.ToUpper(detail.ID.String()[:8])),
			"generated_at": time.Now().UTC(),
			"bill":         detail,
		},
	})
}

func (h *Handler) GetBillPayments(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return writeErr(c, err)
	}
	payments, err := h.svc.GetBillPayments(c.Request().Context(), id)
	if err != nil {
		return writeErr(c, err)
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return respond.Success(c, http.StatusOK, echo.Map{"payments": payments})
}

func (h *Handler) GetPatientBills(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return respond.Error(c, http.StatusBadRequest, "Invalid patient ID")
	}
	pg := pagination.FromContext(c)

	bills, total, err := h.svc.GetPatientBills(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return writeErr(c, err)
	}
	if bills == nil {
		bills = []*Bill{}
	}
	return respond.Success(c, http.StatusOK, pagination.NewResponse(bills, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetStatistics(c echo.Context) error {
	var start, end *time.Time
	if d := c.QueryParam("startDate"); d != "" {
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return respond.Error(c, http.StatusBadRequest, "Invalid startDate")
		}
		start = &t
	}
	if d := c.QueryParam("endDate"); d != "" {
		t, err := time.Parse(time.RFC3339, d)
		if err != nil {
			return respond.Error(c, http.StatusBadRequest, "Invalid endDate")
		}
		end = &t
	}

	report, err := h.svc.GetStatistics(c.Request().Context(), start, end)
	if err != nil {
		return writeErr(c, err)
	}
	return respond.Success(c, http.StatusOK, report)
}

func (h *Handler) Reconcile(c echo.Context) error {
	id, err := billID(c)
	if err != nil {
		return writeErr(c, err)
	}
	replayed, err := h.svc.Reconcile(c.Request().Context(), id)
	if err != nil {
		var partial *PartialPropagationError
		if errors.As(err, &partial) {
			return c.JSON(http.StatusOK, respond.Envelope{
				Status: "success",
				Data:   echo.Map{"replayed": replayed, "unpropagated": partial.Failed},
				Message: fmt.Sprintf("%d linked record(s) still not updated",
					len(partial.Failed)),
			})
		}
		return writeErr(c, err)
	}
	return respond.Success(c, http.StatusOK, echo.Map{"replayed": replayed})
}
