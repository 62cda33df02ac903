# Dockerfile for the marketfeed engine
FROM golang:1.22-alpine AS builder

WORKDIR /app

# mattn/go-sqlite3 needs cgo, so a C toolchain has to be present in the
# builder image.
RUN apk add --no-cache git gcc musl-dev

COPY go.mod go.sum ./
RUN go mod download

COPY . .

RUN CGO_ENABLED=1 GOOS=linux go build -o marketfeed ./cmd/server

FROM alpine:latest

RUN apk --no-cache add ca-certificates tzdata

WORKDIR /root/

COPY --from=builder /app/marketfeed .
COPY --from=builder /app/configs ./configs

EXPOSE 8080

HEALTHCHECK --interval=30s --timeout=10s --start-period=5s --retries=3 \
  CMD wget --no-verbose --tries=1 --spider http://localhost:8080/health || exit 1

CMD ["./marketfeed"]
