// Package documents renders issued e-stamp certificates as PDF.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/platform/textutil"
)

const (
	defaultIssuerName = "e-Stamp Registry"
	qrImageName       = "verification-qr"
	qrPixels          = 256
	pageMargin        = 18.0
	labelWidth        = 60.0
	rowHeight         = 7.0
)

// PDFRendererConfig configures the renderer.
type PDFRendererConfig struct {
	IssuerName string
	// Locale drives number grouping in printed amounts. Defaults to en-IN.
	Locale string
}

// PDFRenderer lays out stamp certificates with go-pdf/fpdf.
type PDFRenderer struct {
	issuer  string
	printer *message.Printer
}

// NewPDFRenderer constructs a renderer.
func NewPDFRenderer(cfg PDFRendererConfig) (*PDFRenderer, error) {
	issuer := textutil.StripMarkup(cfg.IssuerName)
	if issuer == "" {
		issuer = defaultIssuerName
	}
	locale := strings.TrimSpace(cfg.Locale)
	if locale == "" {
		locale = "en-IN"
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, fmt.Errorf("documents: parse locale %q: %w", locale, err)
	}
	return &PDFRenderer{
		issuer:  issuer,
		printer: message.NewPrinter(tag),
	}, nil
}

// Render produces the PDF bytes for cert.
func (r *PDFRenderer) Render(ctx context.Context, cert domain.StampCertificate) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order := cert.Order
	if strings.TrimSpace(order.ID) == "" {
		return nil, errors.New("documents: order id is required")
	}
	if strings.TrimSpace(cert.VerificationHash) == "" {
		return nil, errors.New("documents: verification hash is required")
	}

	qr, err := qrcode.Encode(cert.VerificationURL, qrcode.Medium, qrPixels)
	if err != nil {
		return nil, fmt.Errorf("documents: encode qr: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle(fmt.Sprintf("e-Stamp %s", order.ID), true)
	pdf.SetAuthor(r.issuer, true)
	pdf.SetCreator(r.issuer, true)
	pdf.SetCreationDate(cert.IssuedAt)
	pdf.SetModificationDate(cert.IssuedAt)
	pdf.SetCatalogSort(true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, tr(r.issuer), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 7, tr(fmt.Sprintf("e-Stamp Certificate · %s", order.Jurisdiction)), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	section := func(title string) {
		pdf.Ln(2)
		pdf.SetFont("Helvetica", "B", 12)
		pdf.SetFillColor(235, 235, 235)
		pdf.CellFormat(0, 8, tr(title), "", 1, "L", true, 0, "")
		pdf.SetFont("Helvetica", "", 11)
	}
	row := func(label, value string) {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.CellFormat(labelWidth, rowHeight, tr(label), "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 10)
		pdf.MultiCell(0, rowHeight, tr(value), "", "L", false)
	}

	section("Instrument")
	row("Certificate No.", order.ID)
	row("Jurisdiction", order.Jurisdiction)
	row("Document type", textutil.StripMarkup(order.DocumentType))
	row("Issued at", formatTimestamp(cert.IssuedAt))
	row("Valid until", formatTimestamp(cert.ExpiresAt))

	section("Parties")
	row("First party", textutil.StripMarkup(order.FirstParty.Name))
	row("Second party", textutil.StripMarkup(order.SecondParty.Name))
	row("Duty paid by", payerLabel(order.Payer))

	section("Amounts")
	amounts := order.Amounts
	row("Stamp duty", r.FormatAmount(order.Currency, amounts.StampAmount))
	row("Convenience fee", r.FormatAmount(order.Currency, amounts.ConvenienceFee))
	if amounts.ServiceCharge > 0 {
		row("Express service", r.FormatAmount(order.Currency, amounts.ServiceCharge))
	}
	if amounts.DoorstepCharge > 0 {
		row("Doorstep delivery", r.FormatAmount(order.Currency, amounts.DoorstepCharge))
	}
	if amounts.PromoDiscount > 0 {
		row("Promo discount", "-"+r.FormatAmount(order.Currency, amounts.PromoDiscount))
	}
	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(labelWidth, rowHeight+1, tr("Total paid"), "T", 0, "L", false, 0, "")
	pdf.CellFormat(0, rowHeight+1, tr(r.FormatAmount(order.Currency, amounts.Total)), "T", 1, "L", false, 0, "")

	section("Verification")
	qrSize := 40.0
	y := pdf.GetY() + 2
	pdf.RegisterImageOptionsReader(qrImageName, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(qr))
	pdf.ImageOptions(qrImageName, pageMargin, y, qrSize, qrSize, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
	pdf.SetXY(pageMargin+qrSize+6, y)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(0, rowHeight, tr("Verification code"), "", 2, "L", false, 0, "")
	pdf.SetFont("Courier", "B", 12)
	pdf.CellFormat(0, rowHeight, cert.VerificationHash, "", 2, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.MultiCell(0, 5, tr("Scan the code or visit "+cert.VerificationURL+" to confirm this certificate. A revoked or expired certificate will not verify."), "", "L", false)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("documents: write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// FormatAmount renders minor units as "INR 71,697.00"-style text using the currency's standard
// scale and the renderer locale's grouping.
func (r *PDFRenderer) FormatAmount(code string, minor int64) string {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return r.printer.Sprintf("%s %d", strings.ToUpper(strings.TrimSpace(code)), minor)
	}
	scale, _ := currency.Standard.Rounding(unit)

	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	if scale == 0 {
		return r.printer.Sprintf("%s %s%d", unit.String(), sign, minor)
	}
	div := int64(1)
	for i := 0; i < scale; i++ {
		div *= 10
	}
	frac := fmt.Sprintf("%0*d", scale, minor%div)
	return r.printer.Sprintf("%s %s%d.%s", unit.String(), sign, minor/div, frac)
}

func payerLabel(payer domain.PayerDesignation) string {
	switch payer {
	case domain.PayerSecondParty:
		return "Second party"
	case domain.PayerBoth:
		return "Both parties"
	default:
		return "First party"
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("02 Jan 2006 15:04 MST")
}
