package reports

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/zephy0808/mailcampaign/internal/models"
)

var csvHeader = []string{
	"Campanha",
	"Total de Envios",
	"Total de Aberturas",
	"Total de Cliques",
	"Total de Respostas",
	"Taxa de Abertura (%)",
	"Taxa de Clique (%)",
	"Taxa de Resposta (%)",
}

// ExportCSV writes one row per report, rates with two decimals
func ExportCSV(w io.Writer, reports []models.Report) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rep := range reports {
		title := rep.CampaignTitle
		if title == "" {
			title = rep.CampaignID
		}
		row := []string{
			title,
			strconv.Itoa(rep.TotalSent),
			strconv.Itoa(rep.TotalOpened),
			strconv.Itoa(rep.TotalClicked),
			strconv.Itoa(rep.TotalResponded),
			fmt.Sprintf("%.2f", rep.OpenRate),
			fmt.Sprintf("%.2f", rep.ClickRate),
			fmt.Sprintf("%.2f", rep.ResponseRate),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
