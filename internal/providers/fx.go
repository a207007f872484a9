package providers

import (
	"github.com/smallbiznis/depositrecon/internal/providers/email"
	"github.com/smallbiznis/depositrecon/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
)
